package dispatch

import (
	"strings"

	"github.com/google/uuid"
)

// buildRequestID formats the PD correlation ID per spec.md §4.5/§6:
// ___prefill_addr_<Paddr>___decode_addr_<Daddr>_<uuid32>, where Paddr/Daddr
// are peer addresses (not HTTP URLs) and uuid32 is a v4 UUID with hyphens
// removed.
func buildRequestID(prefillPeerAddr, decodePeerAddr string) string {
	u := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "___prefill_addr_" + prefillPeerAddr + "___decode_addr_" + decodePeerAddr + "_" + u
}
