// Package config loads pipeline settings from the environment and an
// optional YAML file, and builds the process logger.
//
// Precedence is defaults, then the file, then PIPELINE_* environment
// variables. Named jobs can only be declared in the file:
//
//	dbPath: /var/lib/pipeline/catalog.db
//	retentionDays: 30
//	jobs:
//	  - id: nightly-reindex
//	    workflow: reindex
//	    recreateIndex: true
//	  - id: cost
//	    workflow: cost_analysis
package config
