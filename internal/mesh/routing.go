package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/grekinsky/lorachain/config"
	"github.com/grekinsky/lorachain/pkg/crypto"
)

// Routing errors.
var (
	ErrBadRoutePacket = errors.New("malformed routing packet")
	ErrPathSignature  = errors.New("route path signature chain does not verify")
	ErrHopLimit       = errors.New("route request exceeded hop limit")
)

// Routing packet kinds inside a TypeRouting payload.
type routeKind byte

const (
	kindRouteRequest routeKind = 0x01
	kindRouteReply   routeKind = 0x02
	kindRouteError   routeKind = 0x03
)

// Capabilities advertises what a peer can serve.
type Capabilities struct {
	NodeType         config.NodeType `json:"node_type"`
	UTXOCompleteness float64         `json:"utxo_completeness"` // [0,1]
	Height           uint64          `json:"height"`
}

// Empty reports whether no capability floor was requested.
func (c Capabilities) Empty() bool {
	return c.NodeType == "" && c.UTXOCompleteness == 0 && c.Height == 0
}

// Meets reports whether c satisfies the minimum requirement.
func (c Capabilities) Meets(min Capabilities) bool {
	if min.NodeType == config.NodeFull && c.NodeType != config.NodeFull {
		return false
	}
	if c.UTXOCompleteness < min.UTXOCompleteness {
		return false
	}
	return c.Height >= min.Height
}

// PathHop is one traversal entry in a route request: the hop's node id, its
// Ed25519 public key, and its signature over the request id and the path so
// far. Verifying the chain proves every listed hop handled the packet.
type PathHop struct {
	Node      NodeID `json:"node"`
	PubKey    []byte `json:"pubkey"`
	Signature []byte `json:"sig"`
}

// RouteRequest floods the mesh looking for a destination (or any peer
// meeting MinCaps).
type RouteRequest struct {
	Origin      NodeID       `json:"origin"`
	Destination NodeID       `json:"destination"`
	RequestID   uint64       `json:"request_id"`
	HopCount    uint32       `json:"hop_count"`
	Path        []PathHop    `json:"path"`
	MinCaps     Capabilities `json:"min_caps"`
}

// RouteReply travels the reverse path installing routes.
type RouteReply struct {
	RequestID   uint64       `json:"request_id"`
	Origin      NodeID       `json:"origin"`
	Destination NodeID       `json:"destination"` // The responding node.
	Sequence    uint64       `json:"sequence"`
	Caps        Capabilities `json:"caps"`
	Path        []NodeID     `json:"path"` // Origin → … → responder.
	PubKey      []byte       `json:"pubkey"`
	Signature   []byte       `json:"sig"`
}

// RouteError invalidates routes through a broken next hop.
type RouteError struct {
	Reporter    NodeID `json:"reporter"`
	BrokenHop   NodeID `json:"broken_hop"`
	Destination NodeID `json:"destination"`
	PubKey      []byte `json:"pubkey"`
	Signature   []byte `json:"sig"`
}

// pathSigningBytes covers the request id and the path up to (and including)
// hop i's node id.
func (rr *RouteRequest) pathSigningBytes(upto int) []byte {
	buf := make([]byte, 0, 64)
	buf = appendUint64(buf, rr.RequestID)
	buf = append(buf, rr.Origin[:]...)
	buf = append(buf, rr.Destination[:]...)
	for i := 0; i <= upto && i < len(rr.Path); i++ {
		buf = append(buf, rr.Path[i].Node[:]...)
	}
	return buf
}

// AppendHop adds this node to the path and signs the extended chain.
func (rr *RouteRequest) AppendHop(key *crypto.MeshKey) {
	node := NodeIDFromPubKey(key.PublicKey())
	rr.Path = append(rr.Path, PathHop{Node: node, PubKey: key.PublicKey()})
	i := len(rr.Path) - 1
	rr.Path[i].Signature = key.Sign(rr.pathSigningBytes(i))
	rr.HopCount++
}

// VerifyPath checks every hop's signature over its view of the path.
func (rr *RouteRequest) VerifyPath() error {
	for i, hop := range rr.Path {
		if NodeIDFromPubKey(hop.PubKey) != hop.Node {
			return fmt.Errorf("%w: hop %d id mismatch", ErrPathSignature, i)
		}
		if !crypto.VerifyMeshSignature(rr.pathSigningBytes(i), hop.Signature, hop.PubKey) {
			return fmt.Errorf("%w: hop %d", ErrPathSignature, i)
		}
	}
	return nil
}

// InPath reports whether a node already appears in the path.
func (rr *RouteRequest) InPath(node NodeID) bool {
	if rr.Origin == node {
		return true
	}
	for _, hop := range rr.Path {
		if hop.Node == node {
			return true
		}
	}
	return false
}

// replySigningBytes covers the reply's routing-relevant fields.
func (rp *RouteReply) replySigningBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = appendUint64(buf, rp.RequestID)
	buf = appendUint64(buf, rp.Sequence)
	buf = append(buf, rp.Origin[:]...)
	buf = append(buf, rp.Destination[:]...)
	for _, n := range rp.Path {
		buf = append(buf, n[:]...)
	}
	return buf
}

// Sign signs the reply with the responder's key.
func (rp *RouteReply) Sign(key *crypto.MeshKey) {
	rp.PubKey = key.PublicKey()
	rp.Signature = key.Sign(rp.replySigningBytes())
}

// Verify checks the responder's signature.
func (rp *RouteReply) Verify() error {
	if NodeIDFromPubKey(rp.PubKey) != rp.Destination {
		return fmt.Errorf("%w: responder id mismatch", ErrPathSignature)
	}
	if !crypto.VerifyMeshSignature(rp.replySigningBytes(), rp.Signature, rp.PubKey) {
		return fmt.Errorf("%w: reply", ErrPathSignature)
	}
	return nil
}

// errorSigningBytes covers the error's fields.
func (re *RouteError) errorSigningBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, re.Reporter[:]...)
	buf = append(buf, re.BrokenHop[:]...)
	buf = append(buf, re.Destination[:]...)
	return buf
}

// Sign signs the route error.
func (re *RouteError) Sign(key *crypto.MeshKey) {
	re.PubKey = key.PublicKey()
	re.Signature = key.Sign(re.errorSigningBytes())
}

// Verify checks the reporter's signature.
func (re *RouteError) Verify() error {
	if NodeIDFromPubKey(re.PubKey) != re.Reporter {
		return fmt.Errorf("%w: reporter id mismatch", ErrPathSignature)
	}
	if !crypto.VerifyMeshSignature(re.errorSigningBytes(), re.Signature, re.PubKey) {
		return fmt.Errorf("%w: route error", ErrPathSignature)
	}
	return nil
}

// EncodeRoutingPayload wraps a routing packet for a TypeRouting envelope.
func EncodeRoutingPayload(pkt any) ([]byte, error) {
	var kind routeKind
	switch pkt.(type) {
	case *RouteRequest:
		kind = kindRouteRequest
	case *RouteReply:
		kind = kindRouteReply
	case *RouteError:
		kind = kindRouteError
	default:
		return nil, fmt.Errorf("%w: %T", ErrBadRoutePacket, pkt)
	}
	body, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("routing payload marshal: %w", err)
	}
	return append([]byte{byte(kind)}, body...), nil
}

// DecodeRoutingPayload parses a TypeRouting payload.
func DecodeRoutingPayload(data []byte) (any, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadRoutePacket, len(data))
	}
	body := data[1:]
	switch routeKind(data[0]) {
	case kindRouteRequest:
		var rr RouteRequest
		if err := json.Unmarshal(body, &rr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRoutePacket, err)
		}
		return &rr, nil
	case kindRouteReply:
		var rp RouteReply
		if err := json.Unmarshal(body, &rp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRoutePacket, err)
		}
		return &rp, nil
	case kindRouteError:
		var re RouteError
		if err := json.Unmarshal(body, &re); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRoutePacket, err)
		}
		return &re, nil
	default:
		return nil, fmt.Errorf("%w: kind %#x", ErrBadRoutePacket, data[0])
	}
}

// Route is one installed routing table entry.
type Route struct {
	Destination NodeID
	NextHop     NodeID
	HopCount    uint32
	Sequence    uint64
	LinkQuality float64 // [0,1]
	Caps        Capabilities
	LastRefresh time.Time
	Signature   []byte // From the installing reply.
}

// Better reports whether r should replace other for the same destination.
// Selection is the total order of §4.7: lower hop count, then higher link
// quality, then fresher sequence, then newer refresh time. Ties fall
// through each rule in turn.
func (r *Route) Better(other *Route) bool {
	if other == nil {
		return true
	}
	if r.HopCount != other.HopCount {
		return r.HopCount < other.HopCount
	}
	if r.LinkQuality != other.LinkQuality {
		return r.LinkQuality > other.LinkQuality
	}
	if r.Sequence != other.Sequence {
		return r.Sequence > other.Sequence
	}
	return r.LastRefresh.After(other.LastRefresh)
}

// Table is the routing table. Only the routing handler mutates it.
type Table struct {
	mu     sync.RWMutex
	routes map[NodeID]*Route
	ttl    time.Duration

	now func() time.Time
}

// NewTable creates a routing table whose entries expire after ttl.
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Table{
		routes: make(map[NodeID]*Route),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Install inserts or replaces a route per the selection policy.
// Returns true when the table changed.
func (t *Table) Install(r *Route) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.routes[r.Destination]
	if existing != nil && !r.Better(existing) {
		return false
	}
	t.routes[r.Destination] = r
	return true
}

// Lookup returns the active route for a destination, if any.
func (t *Table) Lookup(dest NodeID) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.routes[dest]
	if !ok {
		return nil, false
	}
	if t.now().Sub(r.LastRefresh) > t.ttl {
		return nil, false // Expired; swept by Expire.
	}
	return r, true
}

// Remove drops the route for a destination.
func (t *Table) Remove(dest NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, dest)
}

// RemoveVia drops every route whose next hop is the given node.
// Returns the affected destinations.
func (t *Table) RemoveVia(nextHop NodeID) []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []NodeID
	for dest, r := range t.routes {
		if r.NextHop == nextHop {
			delete(t.routes, dest)
			removed = append(removed, dest)
		}
	}
	return removed
}

// Expire sweeps entries past the TTL. Returns the expired destinations.
func (t *Table) Expire() []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []NodeID
	for dest, r := range t.routes {
		if now.Sub(r.LastRefresh) > t.ttl {
			delete(t.routes, dest)
			expired = append(expired, dest)
		}
	}
	return expired
}

// Len returns the number of installed routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

// seenCache deduplicates flooded route requests by (origin, request id).
type seenCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newSeenCache(ttl time.Duration) *seenCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &seenCache{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Check records (origin, id) and reports whether it was already present.
func (c *seenCache) Check(origin NodeID, id uint64) bool {
	key := string(origin[:]) + string(appendUint64(nil, id))

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, t := range c.seen {
		if now.Sub(t) > c.ttl {
			delete(c.seen, k)
		}
	}

	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = now
	return false
}

// Router runs reactive route discovery over the table, the dedup cache, and
// the transmit hooks. It never calls back into kernel mutation — only the
// capability callback reads chain state.
type Router struct {
	self  NodeID
	key   *crypto.MeshKey
	caps  func() Capabilities // Live local capabilities (height changes).
	table *Table
	seen  *seenCache
	cfg   config.MeshConfig
	log   zerolog.Logger

	// broadcast floods a routing payload to all neighbors; unicast sends it
	// toward one neighbor. Both feed the duty-cycle queue in the node.
	broadcast func(payload []byte) error
	unicast   func(to NodeID, payload []byte) error

	// linkQuality rates a neighbor link in [0,1] (1 when unknown).
	linkQuality func(neighbor NodeID) float64

	mu        sync.Mutex
	nextReqID uint64
	nextSeq   uint64
	waiters   map[uint64]chan *Route
}

// NewRouter creates a router for the local node.
func NewRouter(key *crypto.MeshKey, caps func() Capabilities, table *Table,
	cfg config.MeshConfig, broadcast func(payload []byte) error,
	unicast func(to NodeID, payload []byte) error, log zerolog.Logger) *Router {
	return &Router{
		self:        NodeIDFromPubKey(key.PublicKey()),
		key:         key,
		caps:        caps,
		table:       table,
		seen:        newSeenCache(5 * time.Minute),
		cfg:         cfg,
		broadcast:   broadcast,
		unicast:     unicast,
		linkQuality: func(NodeID) float64 { return 1 },
		waiters:     make(map[uint64]chan *Route),
		log:         log,
	}
}

// SetLinkQuality installs the neighbor link-quality source.
func (r *Router) SetLinkQuality(fn func(neighbor NodeID) float64) {
	if fn != nil {
		r.linkQuality = fn
	}
}

// Self returns the local node id.
func (r *Router) Self() NodeID { return r.self }

// Table returns the routing table.
func (r *Router) Table() *Table { return r.table }

// Discover returns an active route to dest, flooding a route request and
// waiting up to timeout if none is installed. On expiry the caller observes
// ErrNoRoute.
func (r *Router) Discover(dest NodeID, minCaps Capabilities, timeout time.Duration) (*Route, error) {
	if route, ok := r.table.Lookup(dest); ok {
		return route, nil
	}

	r.mu.Lock()
	r.nextReqID++
	reqID := r.nextReqID
	ch := make(chan *Route, 1)
	r.waiters[reqID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiters, reqID)
		r.mu.Unlock()
	}()

	rr := &RouteRequest{
		Origin:      r.self,
		Destination: dest,
		RequestID:   reqID,
		MinCaps:     minCaps,
	}
	rr.AppendHop(r.key)
	// Record our own flood so a neighbor echoing it back is dropped.
	r.seen.Check(r.self, reqID)

	payload, err := EncodeRoutingPayload(rr)
	if err != nil {
		return nil, err
	}
	if err := r.broadcast(payload); err != nil {
		return nil, fmt.Errorf("flood route request: %w", err)
	}

	select {
	case route := <-ch:
		return route, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, dest)
	}
}

// HandleRequest processes a flooded route request received from a neighbor.
func (r *Router) HandleRequest(rr *RouteRequest, from NodeID) error {
	// (a) Deduplicate by (origin, request id).
	if r.seen.Check(rr.Origin, rr.RequestID) {
		return nil
	}
	// (b) Loop prevention: our id already in the path.
	if rr.InPath(r.self) {
		return nil
	}
	// (c) Hop limit.
	if int(rr.HopCount) >= r.cfg.MaxRouteHops {
		return fmt.Errorf("%w: %d hops", ErrHopLimit, rr.HopCount)
	}
	// (d) Path signature chain.
	if err := rr.VerifyPath(); err != nil {
		return err
	}

	// Install the reverse route toward the origin while the path is fresh.
	if len(rr.Path) > 0 {
		r.table.Install(&Route{
			Destination: rr.Origin,
			NextHop:     from,
			HopCount:    rr.HopCount,
			Sequence:    0, // Reverse routes carry no sequence claim.
			LinkQuality: r.linkQuality(from),
			LastRefresh: time.Now(),
		})
	}

	// We answer if we are the destination, or — when the originator asked
	// for a capability floor rather than a specific peer — if we satisfy it.
	if rr.Destination == r.self || (!rr.MinCaps.Empty() && r.caps().Meets(rr.MinCaps)) {
		return r.reply(rr, from)
	}

	// Otherwise forward: append ourselves, re-sign, rebroadcast.
	rr.AppendHop(r.key)
	payload, err := EncodeRoutingPayload(rr)
	if err != nil {
		return err
	}
	return r.broadcast(payload)
}

// reply sends a route reply back along the reverse path.
func (r *Router) reply(rr *RouteRequest, from NodeID) error {
	r.mu.Lock()
	r.nextSeq++
	seq := r.nextSeq
	r.mu.Unlock()

	path := make([]NodeID, 0, len(rr.Path)+1)
	for _, hop := range rr.Path {
		path = append(path, hop.Node)
	}
	path = append(path, r.self)

	rp := &RouteReply{
		RequestID:   rr.RequestID,
		Origin:      rr.Origin,
		Destination: r.self,
		Sequence:    seq,
		Caps:        r.caps(),
		Path:        path,
	}
	rp.Sign(r.key)

	payload, err := EncodeRoutingPayload(rp)
	if err != nil {
		return err
	}
	return r.unicast(from, payload)
}

// HandleReply processes a route reply received from a neighbor, installing
// the forward route and relaying toward the origin.
func (r *Router) HandleReply(rp *RouteReply, from NodeID) error {
	if err := rp.Verify(); err != nil {
		return err
	}

	// Locate ourselves on the reverse path.
	selfIdx := -1
	for i, n := range rp.Path {
		if n == r.self {
			selfIdx = i
			break
		}
	}
	if selfIdx == -1 && rp.Origin != r.self {
		return fmt.Errorf("%w: reply not addressed through this node", ErrBadRoutePacket)
	}

	hops := uint32(len(rp.Path))
	if selfIdx >= 0 {
		hops = uint32(len(rp.Path) - 1 - selfIdx)
	}

	route := &Route{
		Destination: rp.Destination,
		NextHop:     from,
		HopCount:    hops,
		Sequence:    rp.Sequence,
		LinkQuality: r.linkQuality(from),
		Caps:        rp.Caps,
		LastRefresh: time.Now(),
		Signature:   rp.Signature,
	}
	r.table.Install(route)

	// Origin: resolve the waiting discovery.
	if rp.Origin == r.self {
		r.mu.Lock()
		ch, ok := r.waiters[rp.RequestID]
		r.mu.Unlock()
		if ok {
			select {
			case ch <- route:
			default:
			}
		}
		return nil
	}

	// Intermediate: relay to the previous node on the path.
	if selfIdx == 0 {
		return fmt.Errorf("%w: origin missing from reply path", ErrBadRoutePacket)
	}
	prev := rp.Path[selfIdx-1]
	payload, err := EncodeRoutingPayload(rp)
	if err != nil {
		return err
	}
	return r.unicast(prev, payload)
}

// HandleError processes a route error: drop every route using the broken
// hop. The caller may rediscover on demand.
func (r *Router) HandleError(re *RouteError) error {
	if err := re.Verify(); err != nil {
		return err
	}
	removed := r.table.RemoveVia(re.BrokenHop)
	r.table.Remove(re.Destination)
	r.log.Debug().
		Str("broken_hop", re.BrokenHop.String()).
		Int("routes_removed", len(removed)).
		Msg("route error applied")
	return nil
}

// ReportBroken emits a route error after a forward to nextHop failed, and
// drops the local routes through it.
func (r *Router) ReportBroken(nextHop, dest NodeID) error {
	re := &RouteError{
		Reporter:    r.self,
		BrokenHop:   nextHop,
		Destination: dest,
	}
	re.Sign(r.key)

	r.table.RemoveVia(nextHop)

	payload, err := EncodeRoutingPayload(re)
	if err != nil {
		return err
	}
	return r.broadcast(payload)
}
