// Package kb implements the Knowledge-Base Index (C6): predicate
// pre/post-condition matching between hyperalerts, loaded from
// `<gid>-<sid>-<rev>.xml` rule files. Parsing unmarshals each whole file
// with encoding/xml.Unmarshal, in place of original_source/kb.c's
// hand-rolled libxml2 SAX walk; matching follows
// AI_kb_correlation_coefficient exactly, including the
// +ANY_ADDR+/+ANY_PORT+ substitution and CIDR-vs-literal comparison.
package kb

import (
	"encoding/xml"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/alphadose/haxmap"
	"github.com/wissance/stringFormatter"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/alertmodel"
)

// ruleXML mirrors the <hyperalert> schema from spec.md §4.6.
type ruleXML struct {
	XMLName xml.Name `xml:"hyperalert"`
	SnortID struct {
		GID uint32 `xml:"gid,attr"`
		SID uint32 `xml:"sid,attr"`
		Rev uint32 `xml:"rev,attr"`
	} `xml:"snort-id"`
	Desc string   `xml:"desc"`
	Pre  []string `xml:"pre"`
	Post []string `xml:"post"`
}

// Base is the static rule set loaded from a single XML file, before
// per-alert macro expansion.
type Base struct {
	Key  alertmodel.AlertTypeKey
	Pre  []string
	Post []string
}

// KnowledgeBase caches loaded rules keyed by type-key and computes the
// predicate-similarity coefficient between bound hyperalerts.
type KnowledgeBase struct {
	rulesDir string
	cache    *haxmap.Map[alertmodel.AlertTypeKey, *Base]
	missing  *haxmap.Map[alertmodel.AlertTypeKey, struct{}]
}

// New returns a KnowledgeBase that loads rules on first sight from rulesDir.
func New(rulesDir string) *KnowledgeBase {
	return &KnowledgeBase{
		rulesDir: rulesDir,
		cache:    haxmap.New[alertmodel.AlertTypeKey, *Base](),
		missing:  haxmap.New[alertmodel.AlertTypeKey, struct{}](),
	}
}

func rulePath(dir string, key alertmodel.AlertTypeKey) string {
	return filepath.Join(dir, fmt.Sprintf("%d-%d-%d.xml", key.GID, key.SID, key.Rev))
}

// Load fetches (or returns the cached) rule base for key. A missing file is
// not an error: the type simply has no rule. A malformed file is fatal.
func (kb *KnowledgeBase) Load(key alertmodel.AlertTypeKey) (*Base, error) {
	if base, ok := kb.cache.Get(key); ok {
		return base, nil
	}
	if _, ok := kb.missing.Get(key); ok {
		return nil, nil
	}

	path := rulePath(kb.rulesDir, key)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kb.missing.Set(key, struct{}{})
		return nil, nil
	}
	if err != nil {
		return nil, &aierr.CorruptStateError{Path: path, Msg: err.Error()}
	}

	var parsed ruleXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return nil, &aierr.CorruptStateError{Path: path, Msg: fmt.Sprintf("malformed hyperalert rule: %v", err)}
	}

	base := &Base{
		Key:  key,
		Pre:  trimAll(parsed.Pre),
		Post: trimAll(parsed.Post),
	}
	kb.cache.Set(key, base)
	return base, nil
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

// Bind expands macros (+SRC_ADDR+, +DST_ADDR+, +SRC_PORT+, +DST_PORT+,
// +ANY_ADDR+, +ANY_PORT+) against an alert's header fields, per spec.md
// §4.6. Bound predicate lists are not cached: they are alert-specific.
func Bind(predicates []string, a *alertmodel.Alert) []string {
	srcAddr, dstAddr := "0.0.0.0", "0.0.0.0"
	var srcPort, dstPort string
	if a.IPv4.Src.IsValid() {
		srcAddr = a.IPv4.Src.String()
		dstAddr = a.IPv4.Dst.String()
	}
	if a.TCP != nil {
		srcPort = stringFormatter.Format("{0}", a.TCP.SrcPort)
		dstPort = stringFormatter.Format("{0}", a.TCP.DstPort)
	}

	bound := make([]string, len(predicates))
	for i, p := range predicates {
		r := strings.NewReplacer(
			"+SRC_ADDR+", srcAddr,
			"+DST_ADDR+", dstAddr,
			"+SRC_PORT+", srcPort,
			"+DST_PORT+", dstPort,
			"+ANY_ADDR+", "0.0.0.0",
			"+ANY_PORT+", "0",
		)
		bound[i] = r.Replace(p)
	}
	return bound
}

// Similarity computes the predicate-overlap coefficient between the bound
// postconditions of A and preconditions of B: spec.md §4.6 step 3.
func Similarity(postA, preB []string) float64 {
	union := len(postA) + len(preB)
	if union == 0 {
		return 0.0
	}

	intersection := 0
	for _, p := range postA {
		for _, q := range preB {
			if predicatesMatch(p, q) {
				intersection += 2
			}
		}
	}
	return float64(intersection) / float64(union)
}

func predicatesMatch(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}

	fnA, argsA, okA := parsePredicate(a)
	fnB, argsB, okB := parsePredicate(b)
	if !okA || !okB {
		return false
	}
	if !strings.EqualFold(fnA, fnB) || len(argsA) != len(argsB) {
		return false
	}

	for i := range argsA {
		if !argMatches(argsA[i], argsB[i]) {
			return false
		}
	}
	return true
}

func parsePredicate(stmt string) (name string, args []string, ok bool) {
	open := strings.Index(stmt, "(")
	if open < 0 || !strings.HasSuffix(stmt, ")") {
		return "", nil, false
	}
	name = stmt[:open]
	body := stmt[open+1 : len(stmt)-1]
	if body == "" {
		return name, nil, false
	}
	for _, a := range strings.Split(body, ",") {
		args = append(args, strings.TrimSpace(a))
	}
	return name, args, true
}

// anyAddrSentinel/anyPortSentinel are what +ANY_ADDR+/+ANY_PORT+ become
// after Bind. Similarity accepts either the raw macro token (a rule
// compared before binding) or the bound sentinel value, so the wildcard
// rule in spec.md §4.6 step 2(b)(ii) holds on both sides of binding.
const (
	anyAddrSentinel = "0.0.0.0"
	anyPortSentinel = "0"
)

func isWildcard(s string) bool {
	return s == anyAddrSentinel || s == anyPortSentinel ||
		strings.EqualFold(s, "+ANY_ADDR+") || strings.EqualFold(s, "+ANY_PORT+")
}

func argMatches(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	if isWildcard(a) || isWildcard(b) {
		return true
	}
	if cidrContains(a, b) || cidrContains(b, a) {
		return true
	}
	return false
}

// cidrContains reports whether cidr is an "a.b.c.d/n" block containing the
// literal IPv4 address lit.
func cidrContains(cidr, lit string) bool {
	if !strings.Contains(cidr, "/") {
		return false
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(lit)
	if err != nil {
		return false
	}
	ip := net.IP(addr.AsSlice())
	return network.Contains(ip)
}
