// Package blueprint resolves change intents to reusable infrastructure
// blueprints.
//
// A blueprint is identified for reuse by its input signature: the canonical
// hash of its purpose tag and structural parameters. Adjustable parameters,
// bounded knobs such as instance counts, never affect the signature; they are
// reported as an RFC 6902 diff against the stored blueprint instead.
//
// When no policy-passed blueprint matches, the resolver drafts a new one by
// composing the purpose's approved building blocks from the Catalog in
// dependency order. Drafts start with PolicyPassed false and are promoted
// only by a passing gate run of a specific change request.
//
// Storage layout:
//
//	bp/<id>                                     blueprint record
//	idx/bp/<tenant>/<purpose>/<signature>/<id>  lookup index
//	seq/bp/<tenant>/<purpose>                   version counter
//	payload/sha256:<hex>                        content-addressed payloads
package blueprint
