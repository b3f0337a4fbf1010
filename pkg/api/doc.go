/*
Package api implements the adcm.v1.Control gRPC service.

The service is the action-invocation surface of the control plane: bundle
loading, topology changes, configuration, actions and tasks, upgrades, and
the plugin gateway used by running jobs. There is no generated code. The
service descriptor is written by hand and every message is a
google.protobuf.Struct, so the wire format is plain JSON-shaped data that
any gRPC client can produce.

# Architecture

	┌──────────── CLIENT (adcm CLI, playbook plugin) ────────────┐
	│  client.Client ── EncodeRequest ──► structpb.Struct         │
	└─────────────────────────┬───────────────────────────────────┘
	                          │ gRPC /adcm.v1.Control/<Method>
	┌─────────────────────────▼───────────────────────────────────┐
	│  Server.Call                                                 │
	│    methods[name] ── DecodeRequest ──► typed request          │
	│    (*Server).<Method>  ──► manager / launcher / runner /     │
	│                            upgrade / gateway                 │
	│    EncodeResult ──► {"result": ...}                          │
	│    ToStatus ──► gRPC status + {"code", "message"} detail     │
	└──────────────────────────────────────────────────────────────┘

# Errors

Domain errors keep their stable code across the wire. ToStatus maps the
code onto a gRPC status code (NOT_FOUND, INVALID_ARGUMENT,
FAILED_PRECONDITION or INTERNAL) and attaches the code itself as a status
detail; FromStatus on the client side rebuilds the *adcmerr.Error:

	_, err := c.CreateCluster(ctx, protoID, "c1", "")
	if adcmerr.Is(err, adcmerr.ClusterConflict) {
		...
	}

# Listeners

Start serves the full API on TCP. StartLocal serves the same service on a
Unix socket behind ReadOnlyInterceptor, which only lets List*, Get* and
WatchEvents through. HealthServer exposes /health, /ready, /live and
/metrics over HTTP.

# Events

WatchEvents is a server stream of committed events, optionally filtered to
one object. Events are only published after their transaction commits, so a
watcher never sees a change that was rolled back.
*/
package api
