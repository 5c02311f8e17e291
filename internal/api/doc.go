// Package api hosts the HTTP server, middleware, and handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/token, POST /api/files, GET /api/filedown pass through to the
//     remote store.
//   - POST /api/download returns the CSV export of a folder tree.
//   - GET /api/folder-download streams a ZIP of every file under a folder.
//   - GET /ws and GET /api/progress/events carry the shared progress feed.
package api
