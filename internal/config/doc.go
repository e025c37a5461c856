/*
Package config provides the Agent and Fusion configuration shapes from
spec.md §6, loaded from YAML with gopkg.in/yaml.v2, validated against
§4.10's rules, and saved back with the backup-then-overwrite protocol the
Agent's SIGHUP reload and Fusion's management commands both depend on.

# Agent config

	agent_id: agent-1
	fs_scan_workers: 4
	sources:
	  local-fs:
	    driver: fsnotify
	    uri: file:///data/shared
	senders:
	  fusion-main:
	    driver: grpc
	    uri: fusion.internal:7443
	    credential: ${FUSTOR_SENDER_TOKEN}
	    batch_size: 200
	pipes:
	  local-to-main:
	    source: local-fs
	    sender: fusion-main
	    audit_interval_sec: 3600
	    sentinel_interval_sec: 300

# Fusion config

Mirrors the Agent shape with a views map in place of per-pipe tree state,
and a receivers map naming the listeners sessions attach to:

	views:
	  main:
	    mode: ""
	    hot_file_threshold_sec: 30
	    suspect_ttl_sec: 300
	receivers:
	  grpc-main:
	    driver: grpc
	    uri: 0.0.0.0:7443
	pipes:
	  local-to-main:
	    source: local-fs
	    sender: fusion-main
	    view: main

# Validation

ValidateAgentConfig and ValidateFusionConfig implement spec.md §4.10: every
source/sender referenced by a pipe must exist and be non-empty in driver and
uri, and no two pipes may share the same (source, sender) pair.

# Atomic writes

WriteAtomic implements spec.md §6's update protocol verbatim: copy the
existing file to a ".bak" sibling, overwrite the target, and restore the
backup if the overwrite fails.
*/
package config
