package book

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

// Format renders depth as a two-column text table, bids on the left and
// asks on the right. The shorter side leaves its cells blank.
func Format(d domain.Depth) string {
	if len(d.Bids) == 0 && len(d.Asks) == 0 {
		return fmt.Sprintf("No depth data for %s\n", d.Symbol)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-22s|  %s\n", "BID          SIZE", "ASK          SIZE")
	sb.WriteString(strings.Repeat("-", 46) + "\n")

	rows := max(len(d.Bids), len(d.Asks))
	for i := 0; i < rows; i++ {
		bid, ask := "", ""
		if i < len(d.Bids) {
			bid = fmt.Sprintf("$%.2f x %g", d.Bids[i].Price, d.Bids[i].Size)
		}
		if i < len(d.Asks) {
			ask = fmt.Sprintf("$%.2f x %g", d.Asks[i].Price, d.Asks[i].Size)
		}
		fmt.Fprintf(&sb, "%-22s|  %s\n", bid, ask)
	}
	return sb.String()
}
