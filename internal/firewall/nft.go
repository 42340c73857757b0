package firewall

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// NFTBackend applies a Ruleset via the nft(8) command line, rendering the
// entire managed chain as one flush-then-add-all script and submitting it
// as a single `nft -f -` transaction piped over stdin. This is what makes
// the apply atomic (spec §4.7, §9 "wrap with a flush-then-add-all script
// submitted as one transaction; never perform multiple non-atomic calls") —
// it never issues a second nft invocation that could observe a half-applied
// state.
type NFTBackend struct {
	// runner executes the nft script; overridable in tests.
	runner func(script string) error
}

// NewNFTBackend returns an NFTBackend that shells out to the real nft(8)
// binary.
func NewNFTBackend() *NFTBackend {
	return &NFTBackend{runner: runNFT}
}

// NewNFTBackendWithRunner returns an NFTBackend that submits its rendered
// script to runner instead of shelling out to nft(8). Intended for tests
// that need to observe the rendered script or force Apply to fail.
func NewNFTBackendWithRunner(runner func(script string) error) *NFTBackend {
	return &NFTBackend{runner: runner}
}

// Apply renders rs as a single nft script and applies it in one transaction.
func (b *NFTBackend) Apply(rs Ruleset) error {
	if !ValidFamily(rs.Family) {
		return fmt.Errorf("unknown nftables family %q", rs.Family)
	}
	return b.runner(renderScript(rs.Sorted()))
}

// renderScript builds the nft script text: ensure the table/chain exist,
// flush the chain, then add one rule per lease, in deterministic order.
func renderScript(rs Ruleset) string {
	var b strings.Builder
	fmt.Fprintf(&b, "add table %s %s\n", rs.Family, rs.Table)
	fmt.Fprintf(&b, "add chain %s %s %s\n", rs.Family, rs.Table, rs.ChainInput)
	fmt.Fprintf(&b, "flush chain %s %s %s\n", rs.Family, rs.Table, rs.ChainInput)
	for _, rule := range rs.Rules {
		proto := "ip"
		if rule.Addr.To4() == nil {
			proto = "ip6"
		}
		fmt.Fprintf(&b, "add rule %s %s %s %s saddr %s tcp dport %d accept comment %q\n",
			rs.Family, rs.Table, rs.ChainInput, proto, rule.Addr.String(), rule.Port, rule.Comment())
	}
	return b.String()
}

func runNFT(script string) error {
	cmd := exec.Command("nft", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nft -f -: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}
