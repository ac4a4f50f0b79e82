// Package config loads quilt's run configuration.
//
// The configuration names the manifest, the defaults files merged into the
// settings store, template overrides, policy sources, the targets to
// converge and the telemetry stack:
//
//	manifest: quiltfile.star
//	defaults: [defaults.cue]
//	templates: templates
//	policies: [policies]
//	parallelism: 2
//	targets:
//	  - name: web1
//	    host: 10.0.0.5
//	    user: deploy
//	    auth: key
//	    key_file: ~/.ssh/id_ed25519
//	  - name: localhost
//	    transport: local
//	telemetry:
//	  logging: {level: info, format: console}
//	  metrics: {enabled: true, textfile: /var/lib/node_exporter/quilt.prom}
//
// Documents are checked against a CUE schema (closed, so misspelt keys are
// errors), decoded with yaml.v3 and validated with validator/v10 struct
// tags. The same document may be written as quilt.cue.
package config
