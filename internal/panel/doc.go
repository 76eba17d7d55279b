// Package panel serves the bridge's browser live view as embedded assets.
//
// The page lists bridge status and streams packets from the WebSocket live
// feed. When the API requires tokens the page asks for one and passes it
// as the "token" query parameter.
//
// Unknown paths fall back to index.html so the page can keep its filter in
// the URL path.
package panel
