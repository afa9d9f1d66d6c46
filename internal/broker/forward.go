package broker

import (
	"context"
	"time"

	"github.com/compilerpool/compilerpool/internal/compilerstate"
	"github.com/compilerpool/compilerpool/internal/poolcore"
	"github.com/compilerpool/compilerpool/internal/queue"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// forwardCall selects a worker and forwards req as a call_for_client
// (spec §4.8): the raw request, tagged with the caller's client_id, is
// sent unchanged to the chosen worker, and the broker folds the
// worker's tenant-cache bookkeeping (EvictedClientIDs/FreeTenantSlots)
// back into its own view once the call returns.
func (b *Broker) forwardCall(req wire.Request) wire.Response {
	condition := b.stickyCondition(req)
	weighter := b.tenantWeighter(req.ClientID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, err := b.pool.Base.Queue.Acquire(ctx, condition, weighter)
	if err != nil {
		return wire.Response{Status: wire.StatusSerializationFailed, FormattedTrace: err.Error()}
	}

	view := b.viewFor(w)
	releaseFront := req.Op != wire.OpCompileInTx
	defer func() {
		view.touch(req.ClientID)
		// Bypass poolcore.Base's Compile-family release path (it isn't
		// reachable here, since call_for_client forwarding sends the
		// raw request itself rather than going through Base's own
		// compile* methods), so max_calls soft retirement is
		// reimplemented directly against the inner pool's MaxCalls.
		if b.pool.MaxCalls > 0 && w.CallCount() >= b.pool.MaxCalls {
			b.pool.RemoveWorker(w)
			return
		}
		b.pool.Base.Queue.Release(w, releaseFront)
	}()

	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return wire.Response{Status: wire.StatusSerializationFailed, FormattedTrace: err.Error()}
	}
	raw, err := w.Conn.Call(ctx, w.Conn.NextReqID(), payload)
	if err != nil {
		b.pool.RemoveWorker(w)
		return wire.Response{Status: wire.StatusSerializationFailed, FormattedTrace: err.Error()}
	}
	w.Touch()
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		return wire.Response{Status: wire.StatusSerializationFailed, FormattedTrace: err.Error()}
	}

	view.applyResponse(resp)
	return resp
}

// stickyCondition prefers the worker already holding req.StateID for
// an in-transaction call, matching poolcore.Base's own rule — this
// part of the broker's selection doesn't need the cross-process
// workaround since the broker's inner-pool Worker handles live in the
// broker's own process.
func (b *Broker) stickyCondition(req wire.Request) queue.Condition[*poolcore.Worker] {
	if req.Op != wire.OpCompileInTx || req.StateID == 0 || !compilerstate.IsReuseLastMarker(req.PickledState) {
		return nil
	}
	target := compilerstate.ID(req.StateID)
	return func(w *poolcore.Worker) bool { return w.LastTxState() == target }
}

// tenantWeighter implements spec §4.8's broker-side weighter: prefer a
// worker already holding client_id, then the one most recently used
// for it, then the one with the most free cache slots.
func (b *Broker) tenantWeighter(clientID uint64) queue.Weighter[*poolcore.Worker] {
	return func(w *poolcore.Worker) float64 {
		view := b.viewFor(w)
		if clientID == 0 {
			return float64(view.free())
		}
		if t, ok := view.recency(clientID); ok {
			// Holding the client outranks everything else; recency
			// within holders breaks ties via the timestamp itself.
			return 1e12 + float64(t.UnixNano())
		}
		return float64(view.free())
	}
}

// invalidateClientEverywhere drops a disconnected client's entry from
// the broker's own view of every worker. Nothing is sent to the
// workers: each worker's own tenant cache keeps the client's entry
// until its LRU capacity evicts it.
func (b *Broker) invalidateClientEverywhere(clientID uint64) {
	for _, w := range b.pool.Workers() {
		view := b.viewFor(w)
		view.mu.Lock()
		delete(view.held, clientID)
		view.mu.Unlock()
	}
}
