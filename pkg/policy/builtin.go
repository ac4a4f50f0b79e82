package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		worldWritablePolicy(),
		relativeSymlinkPathPolicy(),
	}
}

// worldWritablePolicy rejects files and directories whose mode grants write
// to others unless the sticky bit is set.
func worldWritablePolicy() Policy {
	return Policy{
		Name:        "world_writable",
		Description: "Files and directories must not be world-writable without the sticky bit",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package quilt.builtin.world_writable

import rego.v1

managed if {
	some t in input.resource.types
	t in {"fs.file", "fs.directory"}
	not "fs.symlink" in input.resource.types
}

deny contains msg if {
	managed
	mode := input.resource.attributes.mode
	is_number(mode)
	bits.and(mode, 2) != 0
	bits.and(mode, 512) == 0
	msg := sprintf("%s is world-writable; set the sticky bit or drop o+w", [input.resource.attributes.path])
}
`,
	}
}

// relativeSymlinkPathPolicy rejects symlinks with relative targets, which
// resolve against the link's directory rather than the working directory.
func relativeSymlinkPathPolicy() Policy {
	return Policy{
		Name:        "relative_symlink_path",
		Description: "Symlink targets must be absolute paths",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package quilt.builtin.relative_symlink_path

import rego.v1

deny contains msg if {
	"fs.symlink" in input.resource.types
	target := input.resource.attributes.target
	is_string(target)
	not startswith(target, "/")
	msg := sprintf("symlink %s has relative target %s", [input.resource.attributes.path, target])
}
`,
	}
}
