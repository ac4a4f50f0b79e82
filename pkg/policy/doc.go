// Package policy evaluates Open Policy Agent (Rego) guard rails against
// declared resources before they converge.
//
// Every policy is a Rego module in a package under quilt (quilt,
// quilt.files, ...) defining a deny set. The engine queries
// data.<package>.deny once per resource with input:
//
//	{
//	  "resource": {
//	    "key": "fs.file[/etc/app.conf]",
//	    "category": "fs", "type": "file", "name": "/etc/app.conf",
//	    "types": ["fs.file"],
//	    "attributes": {"path": "/etc/app.conf", "mode": 420, ...},
//	    "sites": ["quiltfile.star:3"]
//	  },
//	  "dry_run": false
//	}
//
// Deny entries are either message strings or objects with "message" and
// "severity" ("error" or "warning"). Errors stop the run; warnings are
// logged.
//
// # Built-in Policies
//
//   - world_writable: files and directories with o+w and no sticky bit
//   - relative_symlink_path: symlinks whose target is relative
//
// Built-ins can be switched off with DisablePolicy.
package policy
