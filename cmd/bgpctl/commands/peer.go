package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// errPeerNotFound indicates the requested remote address has no
// matching entry in the daemon's status snapshot.
var errPeerNotFound = errors.New("peer not found")

// peerStatus mirrors internal/server.PeerStatus; bgpctl is a separate
// binary from bgpd and talks to it only over the wire, so the shape is
// duplicated rather than imported.
type peerStatus struct {
	RemoteAddr string `json:"remote_addr"`
	State      string `json:"state"`
}

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Inspect configured BGP peers",
	}

	cmd.AddCommand(peerListCmd())
	cmd.AddCommand(peerShowCmd())

	return cmd
}

func peerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configured peers and their protocol state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			peers, err := fetchPeers()
			if err != nil {
				return fmt.Errorf("fetch peers: %w", err)
			}

			out, err := formatPeers(peers, outputFormat)
			if err != nil {
				return fmt.Errorf("format peers: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func peerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <remote-address>",
		Short: "Show protocol state for a single peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			peers, err := fetchPeers()
			if err != nil {
				return fmt.Errorf("fetch peers: %w", err)
			}

			for _, p := range peers {
				if p.RemoteAddr == args[0] {
					out, err := formatPeer(p, outputFormat)
					if err != nil {
						return fmt.Errorf("format peer: %w", err)
					}
					fmt.Print(out)
					return nil
				}
			}

			return fmt.Errorf("%s: %w", args[0], errPeerNotFound)
		},
	}
}

// fetchPeers queries the daemon's /v1/peers status endpoint.
func fetchPeers() ([]peerStatus, error) {
	url := "http://" + serverAddr + "/v1/peers"

	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}

	var peers []peerStatus
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return peers, nil
}
