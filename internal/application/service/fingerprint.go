package service

import (
	"encoding/hex"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// Fingerprint hashes the trunk, tracked branch and metadata refs together
// with the configuration version. Enumeration order does not matter.
func Fingerprint(refs map[ref.RefName]ref.Oid, configVersion string) string {
	lines := make([]string, 0, len(refs)+1)
	for name, oid := range refs {
		lines = append(lines, name.String()+" "+oid.String())
	}
	sort.Strings(lines)
	lines = append(lines, "config "+configVersion)

	sum := blake3.Sum256([]byte(strings.Join(lines, "\n") + "\n"))
	return hex.EncodeToString(sum[:])
}

// fingerprintRefs selects the refs a fingerprint covers: the trunk, every
// tracked branch and every metadata ref
func fingerprintRefs(trunk ref.BranchName, trunkTip ref.Oid, tracked map[ref.BranchName]*Tracked) map[ref.RefName]ref.Oid {
	out := make(map[ref.RefName]ref.Oid, 2*len(tracked)+1)
	if !trunk.IsZero() {
		out[trunk.Ref()] = trunkTip
	}
	for name, t := range tracked {
		out[name.Ref()] = t.Tip
		out[name.MetadataRef()] = t.MetadataOid
	}
	return out
}
