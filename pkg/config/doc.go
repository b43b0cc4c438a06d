// Package config loads the changeflow server settings and the target
// configs that govern change requests.
//
// # Settings
//
// Settings are read with viper from a YAML file (changeflow.yaml in the
// working directory or /etc/changeflow unless a path is given). Every key
// can be overridden from the environment with the CHANGEFLOW_ prefix, dots
// replaced by underscores:
//
//	CHANGEFLOW_SERVER_ADDRESS=0.0.0.0:8080
//	CHANGEFLOW_STORE_BACKEND=redis
//	CHANGEFLOW_STORE_REDIS_URL=redis://localhost:6379/0
//	CHANGEFLOW_LIFECYCLE_GATE_TTL=12h
//
// The decoded settings are validated with go-playground/validator before
// use.
//
// # Target configs
//
// Target configs live in .cue files in one directory. Each file declares
// configs under targets, keyed by id:
//
//	targets: prod: {
//		allowed_regions: ["us-east-1", "eu-west-1"]
//		monthly_budget:  2000
//		mandatory_tags:  ["owner"]
//	}
//
// Files are unified with a CUE schema, so a missing budget or a negative
// instance cap is rejected with its file position. A config's Version is
// the hash of its content; editing a config voids approvals granted
// against the previous version. TargetStore can watch the directory and
// reload on change, keeping the previous set when a file fails to parse.
package config
