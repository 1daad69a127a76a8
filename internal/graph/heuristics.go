package graph

import (
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Edge weights of the account-pair heuristics.
const (
	deviceMatchWeight = 1.0
	exactIPWeight     = 0.8
	prefixIPWeight    = 0.5
)

// observations maps each IP and fingerprint to the accounts seen with it.
type observations struct {
	ips         map[string]map[string]bool
	devices     map[string]map[string]bool
	deviceClass map[string]string
}

func (o *observations) observeIP(ip, account string) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return
	}
	if o.ips[ip] == nil {
		o.ips[ip] = make(map[string]bool)
	}
	if account != "" {
		o.ips[ip][account] = true
	}
}

func (o *observations) observeDevice(fp, class, account string) {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return
	}
	if o.devices[fp] == nil {
		o.devices[fp] = make(map[string]bool)
		o.deviceClass[fp] = class
	}
	if account != "" {
		o.devices[fp][account] = true
	}
}

// collectObservations gathers IPs and fingerprints from client records and
// tracking records. A tracking record is attributed to the account whose key
// equals its visitorId.
func (st *buildState) collectObservations(clients []domain.Client, tracking []domain.TrackingRecord) *observations {
	obs := &observations{
		ips:         make(map[string]map[string]bool),
		devices:     make(map[string]map[string]bool),
		deviceClass: make(map[string]string),
	}

	for _, c := range clients {
		id := domain.ClientNodeID(c.ID)
		obs.observeIP(c.IPAddress, id)
		obs.observeDevice(c.DeviceID, "device_id", id)
	}

	for i := range tracking {
		r := tracking[i]
		if err := r.Validate(); err != nil {
			st.skip("tracking", r.VisitorID, err)
			continue
		}
		account := st.accounts[r.VisitorID]
		obs.observeIP(r.IPAddress, account)
		obs.observeDevice(r.CanvasFingerprint, "canvas", account)
	}

	return obs
}

// addSignalNodes emits one node per distinct IP and fingerprint. Accounts are
// attached to a signal node only when it is shared by two or more accounts.
func (st *buildState) addSignalNodes(obs *observations) {
	for _, ip := range sortedKeys(obs.ips) {
		accounts := sortedKeys(obs.ips[ip])
		id := domain.IPNodeID(ip)
		st.addNode(domain.Node{
			ID:    id,
			Type:  domain.NodeIP,
			Label: ip,
			Metadata: domain.NodeMetadata{
				IPAddress:        ip,
				ObservedAccounts: accounts,
			},
		})
		if len(accounts) < 2 {
			continue
		}
		for _, acct := range accounts {
			st.addEdge(domain.Edge{
				ID:     edgeID(domain.EdgeObservedOn, acct, id),
				Source: acct,
				Target: id,
				Type:   domain.EdgeObservedOn,
				Weight: observationWeight,
				Metadata: domain.EdgeMetadata{
					Description: fmt.Sprintf("%s observed on %s", acct, ip),
					DetectedAt:  st.builtAt,
				},
			})
		}
	}

	for _, fp := range sortedKeys(obs.devices) {
		accounts := sortedKeys(obs.devices[fp])
		id := domain.DeviceNodeID(fp)
		st.addNode(domain.Node{
			ID:    id,
			Type:  domain.NodeDevice,
			Label: fp,
			Metadata: domain.NodeMetadata{
				Fingerprint:      fp,
				DeviceClass:      obs.deviceClass[fp],
				ObservedAccounts: accounts,
			},
		})
		if len(accounts) < 2 {
			continue
		}
		for _, acct := range accounts {
			st.addEdge(domain.Edge{
				ID:     edgeID(domain.EdgeObservedOn, acct, id),
				Source: acct,
				Target: id,
				Type:   domain.EdgeObservedOn,
				Weight: observationWeight,
				Metadata: domain.EdgeMetadata{
					Description: fmt.Sprintf("%s observed on device %s", acct, fp),
					DetectedAt:  st.builtAt,
				},
			})
		}
	}
}

// deriveDeviceEdges links every pair of accounts sharing a fingerprint.
func (st *buildState) deriveDeviceEdges(obs *observations) {
	for _, fp := range sortedKeys(obs.devices) {
		accounts := sortedKeys(obs.devices[fp])
		forEachPair(accounts, func(a, b string) {
			st.addEdge(domain.Edge{
				ID:               edgeID(domain.EdgeDeviceMatch, a, b),
				Source:           a,
				Target:           b,
				Type:             domain.EdgeDeviceMatch,
				Weight:           deviceMatchWeight,
				IsFraudIndicator: true,
				Metadata: domain.EdgeMetadata{
					Confidence:  confidence(deviceMatchWeight),
					Description: fmt.Sprintf("%s and %s share device fingerprint %s", a, b, fp),
					DetectedAt:  st.builtAt,
				},
			})
		})
	}
}

// deriveIPEdges links account pairs sharing an exact IP, then pairs sharing
// an IPv4 prefix. Exact matches take precedence for a pair. Sharing between
// an affiliate and the client it referred is not a fraud indicator.
func (st *buildState) deriveIPEdges(obs *observations) {
	for _, ip := range sortedKeys(obs.ips) {
		forEachPair(sortedKeys(obs.ips[ip]), func(a, b string) {
			st.addIPEdge(a, b, exactIPWeight, fmt.Sprintf("%s and %s share IP %s", a, b, ip))
		})
	}

	if !st.cfg.IPPrefixMatching {
		return
	}

	byPrefix := make(map[string]map[string]bool)
	for ip, accounts := range obs.ips {
		prefix, ok := ipv4Prefix(ip, st.cfg.IPv4PrefixOctets)
		if !ok {
			continue
		}
		if byPrefix[prefix] == nil {
			byPrefix[prefix] = make(map[string]bool)
		}
		for acct := range accounts {
			byPrefix[prefix][acct] = true
		}
	}

	for _, prefix := range sortedKeys(byPrefix) {
		forEachPair(sortedKeys(byPrefix[prefix]), func(a, b string) {
			st.addIPEdge(a, b, prefixIPWeight, fmt.Sprintf("%s and %s share IP prefix %s.*", a, b, prefix))
		})
	}
}

func (st *buildState) addIPEdge(a, b string, weight float64, desc string) {
	st.addEdge(domain.Edge{
		ID:               edgeID(domain.EdgeIPOverlap, a, b),
		Source:           a,
		Target:           b,
		Type:             domain.EdgeIPOverlap,
		Weight:           weight,
		IsFraudIndicator: !st.referrals[pairKey(a, b)],
		Metadata: domain.EdgeMetadata{
			Confidence:  confidence(weight),
			Description: desc,
			DetectedAt:  st.builtAt,
		},
	})
}

// ipv4Prefix returns the first n octets of an IPv4 address.
func ipv4Prefix(ip string, n int) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Unmap().Is4() || n <= 0 || n >= 4 {
		return "", false
	}
	octets := addr.Unmap().As4()
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprint(octets[i])
	}
	return strings.Join(parts, "."), true
}

// deriveTradeEdges scans trades in time order. Pairs from different accounts
// on the same symbol in opposite directions inside the opposite window become
// opposite_position edges; other pairs inside the timing window become
// timing_sync edges, flagged only when directions are opposite or amounts are
// within tolerance. Trades without a timestamp are not compared.
func (st *buildState) deriveTradeEdges(trades []tradeRef) {
	timed := make([]tradeRef, 0, len(trades))
	for _, ref := range trades {
		if !ref.trade.CreatedAt.IsZero() {
			timed = append(timed, ref)
		}
	}
	sort.Slice(timed, func(i, j int) bool {
		ti, tj := timed[i].trade.CreatedAt, timed[j].trade.CreatedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return timed[i].nodeID < timed[j].nodeID
	})

	for i := range timed {
		a := timed[i]
		for j := i + 1; j < len(timed); j++ {
			b := timed[j]
			delta := b.trade.CreatedAt.Sub(a.trade.CreatedAt)
			if delta > st.cfg.TimingWindow {
				break
			}
			if a.owner == b.owner {
				continue
			}
			st.addTradePair(a, b, delta)
		}
	}
}

func (st *buildState) addTradePair(a, b tradeRef, delta time.Duration) {
	ratio := AmountRatio(a.trade.Amount, b.trade.Amount)
	opposite := domain.Opposite(a.trade.ContractType, b.trade.ContractType)
	sameSymbol := a.trade.Symbol != "" && a.trade.Symbol == b.trade.Symbol

	md := domain.EdgeMetadata{
		TimeDeltaMs: delta.Milliseconds(),
		DetectedAt:  b.trade.CreatedAt.UTC(),
	}

	if sameSymbol && opposite && delta <= st.cfg.OppositeWindow {
		w := pairWeight(delta, st.cfg.OppositeWindow, ratio)
		md.Confidence = confidence(w)
		md.Description = fmt.Sprintf("%s %s vs %s %s on %s, %dms apart",
			a.owner, a.trade.ContractType, b.owner, b.trade.ContractType, a.trade.Symbol, md.TimeDeltaMs)
		st.addEdge(domain.Edge{
			ID:               edgeID(domain.EdgeOppositePosition, a.nodeID, b.nodeID),
			Source:           a.nodeID,
			Target:           b.nodeID,
			Type:             domain.EdgeOppositePosition,
			Weight:           w,
			IsFraudIndicator: true,
			Metadata:         md,
		})
		return
	}

	w := pairWeight(delta, st.cfg.TimingWindow, ratio)
	md.Confidence = confidence(w)
	md.Description = fmt.Sprintf("%s and %s traded %dms apart", a.owner, b.owner, md.TimeDeltaMs)
	st.addEdge(domain.Edge{
		ID:               edgeID(domain.EdgeTimingSync, a.nodeID, b.nodeID),
		Source:           a.nodeID,
		Target:           b.nodeID,
		Type:             domain.EdgeTimingSync,
		Weight:           w,
		IsFraudIndicator: opposite || AmountsClose(a.trade.Amount, b.trade.Amount, st.cfg.AmountTolerance),
		Metadata:         md,
	})
}

// AmountRatio returns min/max of two amounts, or 0 when both are zero.
func AmountRatio(a, b float64) float64 {
	hi, lo := math.Max(a, b), math.Min(a, b)
	if hi <= 0 {
		return 0
	}
	return lo / hi
}

// AmountsClose reports whether two positive amounts differ by at most
// tolerance relative to the larger one.
func AmountsClose(a, b, tolerance float64) bool {
	hi := math.Max(a, b)
	if hi <= 0 {
		return false
	}
	return math.Abs(a-b)/hi <= tolerance
}

// pairWeight grows as the time gap shrinks and the amounts converge.
func pairWeight(delta, window time.Duration, ratio float64) float64 {
	tightness := 0.0
	if window > 0 {
		tightness = 1 - float64(delta)/float64(window)
	}
	return clampUnit(0.5*tightness + 0.5*ratio)
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func confidence(weight float64) int {
	return int(math.Round(clampUnit(weight) * 100))
}

// forEachPair calls fn for every unordered pair of ids.
func forEachPair(ids []string, fn func(a, b string)) {
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			fn(ids[i], ids[j])
		}
	}
}
