package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatPeers renders a slice of peer statuses in the requested format.
func formatPeers(peers []peerStatus, format string) (string, error) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].RemoteAddr < peers[j].RemoteAddr })

	switch format {
	case formatJSON:
		return formatPeersJSON(peers)
	case formatTable:
		return formatPeersTable(peers), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatPeer renders a single peer status in the requested format.
func formatPeer(p peerStatus, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatPeersJSON([]peerStatus{p})
	case formatTable:
		return formatPeersTable([]peerStatus{p}), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatPeersTable(peers []peerStatus) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REMOTE\tSTATE")

	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\n", p.RemoteAddr, p.State)
	}

	_ = w.Flush()
	return buf.String()
}

func formatPeersJSON(peers []peerStatus) (string, error) {
	data, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal peers to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
