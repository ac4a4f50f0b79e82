package transports

import (
	"fmt"
	"strconv"
	"strings"
)

// StatFormat prints the raw mode in hex, uid, gid and size.
const StatFormat = "%f %u %g %s"

// StatCommand returns a stat(1) command line printing StatFormat for p.
func StatCommand(p string, follow bool) string {
	words := []string{"stat"}
	if follow {
		words = append(words, "-L")
	}
	words = append(words, "-c", StatFormat, "--", p)
	return Command(words...)
}

// ParseStat reads the output of StatCommand.
func ParseStat(p, out string) (FileInfo, error) {
	fields := strings.Fields(out)
	if len(fields) != 4 {
		return FileInfo{}, &Error{Op: "stat", Err: fmt.Errorf("unexpected stat output %q", out)}
	}
	raw, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return FileInfo{}, &Error{Op: "stat", Err: err}
	}
	uid, err1 := strconv.Atoi(fields[1])
	gid, err2 := strconv.Atoi(fields[2])
	size, err3 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return FileInfo{}, &Error{Op: "stat", Err: fmt.Errorf("unexpected stat output %q", out)}
	}
	return FileInfo{
		Path: p,
		Type: TypeFromRaw(uint32(raw)),
		Mode: uint32(raw) & ModePerm,
		UID:  uid,
		GID:  gid,
		Size: size,
	}, nil
}

// TypeFromRaw classifies the S_IFMT bits of a raw st_mode.
func TypeFromRaw(raw uint32) FileType {
	switch raw & 0o170000 {
	case 0o100000:
		return TypeRegular
	case 0o040000:
		return TypeDirectory
	case 0o120000:
		return TypeSymlink
	default:
		return TypeOther
	}
}

// ListCommand returns an ls(1) command line printing one entry per line.
func ListCommand(p string) string {
	return Command("ls", "-A1", "--", p)
}

// ParseList reads the output of ListCommand.
func ParseList(out string) []string {
	var names []string
	for _, l := range strings.Split(out, "\n") {
		if l != "" {
			names = append(names, l)
		}
	}
	return names
}
