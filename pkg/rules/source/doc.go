// Package source loads rules for the engine.
//
// FileSource reads YAML rule files from a file or a directory tree:
//
//	version: "1.0"
//	rules:
//	  - name: budget_reasonable
//	    priority: 100
//	    context_types: [grant]
//	    conditions:
//	      - budget > 0 and budget < 10000000
//	    actions:
//	      - name: log
//	        parameters:
//	          message: "budget {{budget}} accepted"
//
// Documents are validated against a JSON schema and their version must fall
// in SupportedVersions. Watch uses fsnotify and debounces bursts of changes
// into a single event, which Engine.Watch turns into a reload.
//
// MemorySource serves rules held in memory.
package source
