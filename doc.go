// Package offline implements a cache-first offline proxy for a web
// application shell.
//
// It applies the caching policy of a browser service worker on the server
// side of the wire: every request for the application's origin is answered
// from a local cache when possible, otherwise forwarded to the network, and
// successful responses are kept for later. When the network is unreachable,
// page navigations receive a pre-cached offline page.
//
// # Versions and generations
//
// A [manifest.Manifest] describes one deployable version: the shell URLs to
// pre-cache and the two generation tags (static and dynamic) naming the
// stores that version owns. A [Registration] plays the role of the browser
// runtime. It installs each registered version, keeps it waiting while the
// previous version is still serving requests, then activates it and purges
// every store whose name is not a current generation tag:
//
//	reg, err := offline.NewRegistration(origin, memory.New(),
//	    offline.WithFetcher(offlinehttp.NewClient(offlinehttp.WithUpstream(origin, upstream))),
//	)
//	if err != nil {
//	    return err
//	}
//	if _, err := reg.Register(ctx, manifest.Default()); err != nil {
//	    return err
//	}
//	http.ListenAndServe(":8080", reg.Handler())
//
// # Fetch policy
//
// [Manager.HandleFetch] looks the request up in every store first and never
// checks freshness. On a miss it fetches from the network, stores status 200
// responses in the dynamic store, and substitutes the offline page for HTML
// requests that fail. Cross-origin requests are passed through untouched
// unless their host is allow-listed in the manifest.
//
// # Storage
//
// Stores live behind [store.Storage]. The store/memory, store/disk and
// store/sqlite packages provide in-process, filesystem and SQLite backends.
package offline
