package datadist

import (
	"github.com/kvfabric/datadist/cmn/nlog"
	"github.com/kvfabric/datadist/cmn/status"
)

// SwitchRole transitions the engine between Prompt, Decoder, and Mix
// (spec §4.7). Existing caches and links always survive a role switch;
// only the control-plane listener is opened or closed.
//
//   - Decoder -> Prompt: opens the listener (opts.ListenIPInfo is
//     required for the transition to succeed).
//   - Prompt  -> Decoder: closes the listener.
//   - X       -> X:       a no-op under enable_cache_manager, rejected
//     with FeatureNotEnabled otherwise.
//
// Every transition additionally requires enable_switch_role unless
// enable_cache_manager is set (cache-manager mode implies switch rights).
func (e *Engine) SwitchRole(newRole Role, opts *Options) error {
	const op = "Engine.SwitchRole"
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.finalized {
		return status.New(status.Failed, op, "engine is not live")
	}

	if newRole == e.role {
		if e.opts.EnableCacheManager {
			return nil
		}
		return status.New(status.FeatureNotEnabled, op, "same-role switch requires enable_cache_manager")
	}

	if !e.opts.EnableCacheManager && !e.opts.EnableSwitchRole {
		return status.New(status.FeatureNotEnabled, op, "role switching requires enable_switch_role or enable_cache_manager")
	}

	if opts != nil {
		e.opts = opts
	}

	switch {
	case e.role == Prompt:
		e.closeListenerLocked()
	case newRole == Prompt:
		if e.opts.ListenIPInfo == nil {
			return status.New(status.ParamInvalid, op, "listen_ip_info is required to switch into the Prompt role")
		}
		if err := e.openListenerLocked(); err != nil {
			return err
		}
	}

	nlog.Infof("%s: %s -> %s", op, e.role, newRole)
	e.role = newRole
	return nil
}
