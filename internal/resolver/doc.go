// Package resolver provides tilebatch.Resolver implementations: an MBTiles
// tileset answered with one SQL query per batch, URL templates, a
// primary/fallback combinator and an adapter for single-tile lookups.
package resolver
