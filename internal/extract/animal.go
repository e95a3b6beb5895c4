package extract

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/go-git/go-billy/v5"
)

var animalIDPattern = regexp.MustCompile(`(?i)Animal ID[,\s:]+([A-Za-z0-9]+)`)

// AnimalID scans r line by line and returns the token following the first
// "Animal ID" label. Bytes that are not valid UTF-8 are dropped before
// matching, so files with stray encoding still yield an identifier.
func AnimalID(r io.Reader) (string, bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.ToValidUTF8(sc.Text(), "")
		if m := animalIDPattern.FindStringSubmatch(line); m != nil {
			id := strings.TrimSpace(m[1])
			if id != "" {
				return id, true
			}
		}
	}
	return "", false
}

// AnimalIDFromFile opens path on fs and extracts its animal identifier.
// Unreadable files are reported as not found.
func AnimalIDFromFile(fs billy.Filesystem, path string) (string, bool) {
	f, err := fs.Open(path)
	if err != nil {
		return "", false
	}
	defer func() { _ = f.Close() }()
	return AnimalID(f)
}
