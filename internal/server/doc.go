// Package server exposes the transfer service over HTTP: multipart and raw
// uploads, plain and token-guarded downloads, token issuance, health probes
// and metrics. It also hosts the background pieces that hang off the HTTP
// flow, namely the object store mirror and the staging sweeper.
package server
