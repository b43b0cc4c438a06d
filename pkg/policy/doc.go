// Package policy implements the gate evaluator that decides whether a change
// request may proceed.
//
// # Gate Sequence
//
// Every gate run evaluates the same fixed sequence:
//
//  1. Structural gates: the intent format check and the CUE schemas of the
//     purpose's building blocks
//  2. Built-in policy gates, written in Rego (mandatory-tags, encryption,
//     region-allowlist, instance-caps, public-exposure)
//  3. Operator policy gates: .rego files from the policy directory, ordered
//     by file name
//  4. Cost gates: the Starlark cost model of each block, summed and compared
//     against the target config's monthly budget
//
// Policy gates never short-circuit one another, so a failed run reports
// every violated rule. Cost gates do not run when a structural gate failed;
// they are recorded with outcome "error" instead.
//
// # Writing Policies
//
// A policy is any Rego module defining a deny set. Each element is a reason,
// either a string or an object with a message field:
//
//	# Databases must use the large instance class in production.
//	package changeflow.custom.db_class
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.purpose == "database"
//	    input.tags.env == "production"
//	    input.params.instance_class != "db.r5.large"
//	    msg := "production databases must use db.r5.large"
//	}
//
// The input document carries purpose, action, region, tags, params (the
// structural and adjustable params merged), resources (the rendered payload),
// config (the target config) and, when a plan exists, changes.
//
// # Overrides
//
// A tag "override:<gate>" waives a failed policy gate when the request
// names an authorized override approver. The result is recorded as passed
// with Overridden set and its reasons kept. Structural and cost gates
// cannot be overridden.
//
// # Hot Reload
//
// Loader.Watch reloads the policy directory on change. A directory that
// fails to compile leaves the previous gates in place.
package policy
