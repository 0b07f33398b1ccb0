package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"crypto_live/internal/domain"
	"crypto_live/internal/engine"
	"crypto_live/pkg/quant"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

func arrow(a domain.AssetRecord) string {
	switch a.ChangeDirection() {
	case "positive":
		return "▲"
	case "negative":
		return "▼"
	default:
		return "·"
	}
}

// renderTable writes up to rows assets; rows <= 0 writes all of them.
func renderTable(w io.Writer, assets []domain.AssetRecord, rows int) {
	if rows > 0 && len(assets) > rows {
		assets = assets[:rows]
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tSYMBOL\tNAME\tPRICE\t24H\tMARKET CAP\tVOLUME 24H\t")
	for _, a := range assets {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s %s\t%s\t%s\t\n",
			a.Rank, a.Symbol, a.Name,
			quant.FormatUSD(a.PriceUSD),
			arrow(a), quant.FormatPercent(a.ChangePercent24h),
			quant.FormatCompact(a.MarketCapUSD),
			quant.FormatCompact(a.VolumeUSD24h))
	}
	tw.Flush()
}

// renderStatus writes the connection footer: state, asset count, snapshot
// age, the offline marker and the last error.
func renderStatus(w io.Writer, st engine.Status, now time.Time) {
	line := printer.Sprintf("● %s | %d assets", st.Connection, st.Assets)

	if st.LastSnapshotAt != 0 {
		age := now.Sub(st.LastSnapshotAt.Time()).Truncate(time.Second)
		line += fmt.Sprintf(" | snapshot %s ago", age)
	}
	if st.IsLoading || st.IsLoadingMore {
		line += " | loading…"
	}
	if st.FromCache || st.Connection == domain.ConnectionError {
		line += " | OFFLINE"
		if st.FromCache {
			line += " (cached)"
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, line)
	if st.LastError != "" {
		fmt.Fprintln(w, "error:", st.LastError)
	}
}
