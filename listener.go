package datadist

import (
	"github.com/valyala/fasthttp"

	"github.com/kvfabric/datadist/cmn/nlog"
	"github.com/kvfabric/datadist/cmn/status"
)

// openListenerLocked starts the control-plane listener a Prompt-role
// engine exposes for remote pull/push addressing (spec §4.7: the listener
// opens on Prompt entry and closes on Prompt exit). Caller holds e.mu.
func (e *Engine) openListenerLocked() error {
	const op = "Engine.openListener"
	if e.opts.ListenIPInfo == nil {
		return status.New(status.ParamInvalid, op, "listen_ip_info is required to enter the Prompt role")
	}
	addr := e.opts.ListenIPInfo.String()
	srv := &fasthttp.Server{
		Handler: e.handleControlRequest,
		Name:    "kvfabric-datadist",
	}
	e.listener = srv
	e.listenerAddr = addr

	ln, err := newTCPListener(addr)
	if err != nil {
		e.listener = nil
		return status.Wrap(status.Failed, op, err)
	}
	e.listenerWG.Add(1)
	go func() {
		defer e.listenerWG.Done()
		if err := srv.Serve(ln); err != nil {
			nlog.Errorf("%s: serve exited: %v", op, err)
		}
	}()
	nlog.Infof("%s: listening on %s", op, addr)
	return nil
}

// closeListenerLocked shuts the listener down, if any. Caller holds e.mu.
func (e *Engine) closeListenerLocked() {
	if e.listener == nil {
		return
	}
	_ = e.listener.Shutdown()
	e.listenerWG.Wait()
	e.listener = nil
	e.listenerAddr = ""
}

// handleControlRequest answers the minimal control-plane surface this
// engine needs as a Prompt: a liveness probe. Cache/link/transfer
// operations themselves travel over the RDMA control channel (transport.RDMA),
// not HTTP; this listener only has to exist so peers can confirm the
// endpoint is up before attempting rank-table or endpoint-mode linking.
func (e *Engine) handleControlRequest(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}
