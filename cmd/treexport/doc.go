// Command treexport exports folder trees from a remote file store.
//
// Architecture overview:
//   - serve: runs the HTTP service. POST /api/download returns a CSV of every
//     folder and file under a path; GET /api/folder-download streams a
//     store-only ZIP of every file. Both report progress on the shared feed at
//     GET /ws and GET /api/progress/events as {"progress": n} messages.
//   - export: runs one export from the command line and writes it to a file,
//     logging progress as it goes.
//
// Configuration comes from an optional YAML file (--config) and TREEXPORT_*
// environment variables, for example TREEXPORT_REMOTE_BASE_URL. The listen
// port may also be given as PORT.
//
// Quick checklist:
//   - treexport serve --config config.yaml
//   - treexport export --path /Shared/Projects --token $TOKEN --format zip --out projects.zip
package main
