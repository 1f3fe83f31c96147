// Package sources turns a declarative source configuration into a local file.
//
// Resolution order is fixed: a configured local path wins, otherwise the
// explicit URL, then the configured fallbacks, then the built-in defaults are
// tried in order when automatic download is enabled. Every failed attempt is
// logged and collected; the first success wins. Downloads are dispatched by
// URL scheme to a Fetcher (http, https, file and sftp are built in) and are
// written to the destination through a temp file and rename.
package sources
