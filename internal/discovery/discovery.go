// Package discovery implements the ServiceRegistry of spec.md §4.7: a
// message socket that accepts periodic registration pings from prefill and
// decode instances, each encoded as a compact MessagePack record, and
// expires entries that stop refreshing.
package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Role is the instance's announced role, spec.md §4.7's "P"|"D".
type Role string

const (
	RolePrefill Role = "P"
	RoleDecode  Role = "D"
)

// ttl is the fixed instance lifetime spec.md §4.7/§6 specifies.
const ttl = 5 * time.Second

// sweepInterval is the cadence of the expiry sweep; spec.md §5 calls for a
// short poll interval (~1s) so shutdown and expiry are both prompt.
const sweepInterval = 1 * time.Second

// message is the wire record spec.md §6 names: MessagePack map with
// type/http_address/zmq_address fields.
type message struct {
	Type        string `msgpack:"type"`
	HTTPAddress string `msgpack:"http_address"`
	ZMQAddress  string `msgpack:"zmq_address"`
}

type instance struct {
	role        Role
	httpAddress string
	peerAddress string
	expiresAt   time.Time
}

// Registry tracks live prefill/decode instances announced over the socket.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*instance // keyed by http_address

	log *zap.Logger
	now func() time.Time
}

func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		instances: make(map[string]*instance),
		log:       log.Named("discovery"),
		now:       time.Now,
	}
}

// Listen binds addr (a UDP endpoint, matching the original's lightweight
// message-socket approach) and processes registration pings until ctx is
// canceled.
func (r *Registry) Listen(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	go r.sweepLoop(ctx)

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(sweepInterval))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		r.handleMessage(buf[:n])
	}
}

// handleMessage parses and applies one registration ping. A malformed
// payload is dropped and logged, never surfaced to any client, per spec.md
// §7's DiscoveryParseError.
func (r *Registry) handleMessage(raw []byte) {
	var m message
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		r.log.Debug("dropping malformed discovery message", zap.Error(err))
		return
	}
	role := Role(m.Type)
	if role != RolePrefill && role != RoleDecode {
		r.log.Debug("dropping discovery message with unknown role", zap.String("type", m.Type))
		return
	}

	r.mu.Lock()
	r.instances[m.HTTPAddress] = &instance{
		role:        role,
		httpAddress: m.HTTPAddress,
		peerAddress: m.ZMQAddress,
		expiresAt:   r.now().Add(ttl),
	}
	r.mu.Unlock()
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := r.now()
	r.mu.Lock()
	for addr, inst := range r.instances {
		if now.After(inst.expiresAt) {
			delete(r.instances, addr)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) byRole(role Role) []instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.role == role {
			out = append(out, *inst)
		}
	}
	return out
}

// GetPrefillInstances returns every live prefill instance's HTTP address.
func (r *Registry) GetPrefillInstances() []string {
	return addresses(r.byRole(RolePrefill))
}

// GetDecodeInstances returns every live decode instance's HTTP address.
func (r *Registry) GetDecodeInstances() []string {
	return addresses(r.byRole(RoleDecode))
}

func addresses(instances []instance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.httpAddress
	}
	return out
}

// GetPeerAddress resolves httpAddress (of the given role) to its announced
// peer (KV-transfer) address.
func (r *Registry) GetPeerAddress(httpAddress string, role Role) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[httpAddress]
	if !ok || inst.role != role {
		return "", false
	}
	return inst.peerAddress, true
}
