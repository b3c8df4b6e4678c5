// Package api implements the recovery web interface.
//
// # Overview
//
// The server runs on the recovery access point. Every unknown path is
// redirected to "/" so that client captive-portal probes land on the
// recovery page.
//
// # Endpoints
//
//   - GET  /            embedded recovery page (gzip)
//   - POST /upload      differential image upload (?label= selects the region)
//   - GET  /status      updatable partitions
//   - POST /clear       erase a partition ({"label": ...})
//   - GET  /download    dump a partition (?label=)
//   - POST /reset       reboot
//   - /api/wifi         access-point credentials (GET, POST, DELETE)
//   - /api/sessions     update history
//   - /api/logs         recent log entries
//   - /api/ws           websocket progress feed
//   - /metrics, /healthz
//
// # Concurrency
//
// Uploads, clears and downloads take a per-region try-lock. A request for a
// region that is already busy fails with 409 instead of queueing.
package api
