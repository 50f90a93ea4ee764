// Package http implements the local API the SSP desktop UI talks to. It is
// a thin layer over the license manager: handlers bind and validate the
// request, call the manager, and render either JSON or an RFC 7807 problem.
//
// # Routes
//
//	GET    /api/license/status             Status for the license screen
//	GET    /api/license/features           capability set of the effective tier
//	POST   /api/license/activate           activate a key on this device
//	POST   /api/license/trial              provision a trial when none is stored
//	POST   /api/license/return-to-trial    drop the current license
//	POST   /api/license/developer/login    start a developer session
//	POST   /api/license/developer/logout   end it
//	GET    /api/projects                   saved projects and whether one more fits
//	POST   /api/projects                   charge the quota, then save
//	PUT    /api/projects/{id}              resave without charging
//	DELETE /api/projects/{id}              delete; the lifetime counter is kept
//	GET    /api/{export,print,share}/check feature gates
//	GET    /healthz, /metrics, /ws
//
// # Error Handling
//
// Every failure is rendered by errors.ErrorHandler. License failures carry
// a "reason" extension the UI keys its message on:
//
//	{
//	    "type": "/errors/rebind-limit-reached",
//	    "title": "Rebind Limit Reached",
//	    "status": 409,
//	    "reason": "rebind_limit_reached",
//	    "trace_id": "..."
//	}
//
// # Testing
//
// Handlers are tested through NewRouter with a testify mock of Service.
package http
