// Package mitre tags normalized events with MITRE ATT&CK techniques. Tags are
// informational: they travel with the analysis output and never affect the
// score.
package mitre

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// AttackFramework holds the technique and tactic catalog used for tagging.
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`   // e.g., "T1059"
	Name    string   `json:"name"` // e.g., "Command and Scripting Interpreter"
	Tactics []string `json:"tactics"`
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // e.g., "execution"
	URL       string `json:"url"`
}

// Mapping is one technique attributed to an event.
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

// NewAttackFramework creates a framework preloaded with the techniques the
// tagger can emit.
func NewAttackFramework(logger *zap.Logger) *AttackFramework {
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		logger:     logger.Named("mitre"),
	}

	af.initializeCommonTechniques()
	af.initializeTactics()

	return af
}

// Tag maps an event and its indicators to techniques. Each technique appears
// once, with the highest confidence any rule gave it; the result is ordered
// by descending confidence then technique id.
func (af *AttackFramework) Tag(ev telemetry.NormalizedEvent, iocs []telemetry.IOC) []Mapping {
	all := af.MapEvent(ev)
	for _, ioc := range iocs {
		all = append(all, af.MapIOC(ioc)...)
	}

	best := make(map[string]Mapping, len(all))
	for _, m := range all {
		if cur, ok := best[m.TechniqueID]; !ok || m.Confidence > cur.Confidence {
			best[m.TechniqueID] = m
		}
	}

	out := make([]Mapping, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].TechniqueID < out[j].TechniqueID
	})
	return out
}

// MapIOC maps a single indicator to potential techniques.
func (af *AttackFramework) MapIOC(ioc telemetry.IOC) []Mapping {
	switch ioc.Type {
	case telemetry.IOCTypeIP:
		return af.mapIPIndicator(ioc.Value)
	case telemetry.IOCTypeDomain:
		return af.mapDomainIndicator(ioc.Value)
	case telemetry.IOCTypeHash:
		return af.mapHashIndicator(ioc.Value)
	case telemetry.IOCTypeIdentity:
		return nil
	default:
		af.logger.Debug("Unknown IOC type for MITRE mapping",
			zap.String("type", string(ioc.Type)),
		)
		return nil
	}
}

// MapEvent maps event_type keywords and the message text to techniques.
func (af *AttackFramework) MapEvent(ev telemetry.NormalizedEvent) []Mapping {
	mappings := make([]Mapping, 0)
	eventType := strings.ToLower(ev.EventType)

	switch {
	case containsAny(eventType, "process_creation", "process_start", "process"):
		mappings = append(mappings, af.mapProcessIndicator(ev.Message)...)
	case containsAny(eventType, "network_connection", "connection", "beacon"):
		mappings = append(mappings, af.technique("T1071", 0.5, "Network connection detected"))
	case containsAny(eventType, "file_creation", "file_modification", "file", "syscheck"):
		mappings = append(mappings, af.mapFileIndicator(ev.Message)...)
	case containsAny(eventType, "registry"):
		mappings = append(mappings, af.mapRegistryIndicator(ev.Message)...)
	case containsAny(eventType, "authentication_failure", "auth_fail", "login_failure", "brute"):
		mappings = append(mappings, af.technique("T1110", 0.6, "Authentication failure detected"))
	case containsAny(eventType, "privilege_escalation", "privesc"):
		mappings = append(mappings, af.technique("T1068", 0.7, "Privilege escalation activity detected"))
	case containsAny(eventType, "malware", "ransomware"):
		mappings = append(mappings, af.technique("T1204", 0.6, fmt.Sprintf("Malware event: %s", ev.EventType)))
	}

	return mappings
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.tactics[strings.ToLower(id)]
	return t, ok
}

// technique builds a mapping from the catalog; the first tactic listed for
// the technique is reported.
func (af *AttackFramework) technique(id string, confidence float64, evidence string) Mapping {
	m := Mapping{TechniqueID: id, Confidence: confidence, Evidence: evidence}
	t, ok := af.GetTechnique(id)
	if !ok {
		return m
	}
	m.TechniqueName = t.Name
	if len(t.Tactics) > 0 {
		if tactic, ok := af.GetTactic(t.Tactics[0]); ok {
			m.TacticID = tactic.ID
			m.TacticName = tactic.Name
		}
	}
	return m
}

// Mapping helper functions

func (af *AttackFramework) mapIPIndicator(ip string) []Mapping {
	return []Mapping{af.technique("T1071", 0.6, fmt.Sprintf("IP indicator: %s", ip))}
}

func (af *AttackFramework) mapDomainIndicator(domain string) []Mapping {
	mappings := []Mapping{af.technique("T1071", 0.7, fmt.Sprintf("Domain indicator: %s", domain))}

	if looksDGA(domain) {
		mappings = append(mappings, af.technique("T1568.002", 0.8, fmt.Sprintf("Potential DGA domain: %s", domain)))
	}

	return mappings
}

func (af *AttackFramework) mapHashIndicator(hash string) []Mapping {
	return []Mapping{af.technique("T1204", 0.5, fmt.Sprintf("File hash: %s", hash))}
}

func (af *AttackFramework) mapFileIndicator(text string) []Mapping {
	mappings := make([]Mapping, 0)
	lower := strings.ToLower(text)

	if containsAny(lower, "mimikatz", "lsass") {
		mappings = append(mappings, af.technique("T1003", 0.9, "Credential dumping tool referenced"))
	}

	return mappings
}

func (af *AttackFramework) mapProcessIndicator(command string) []Mapping {
	mappings := make([]Mapping, 0)
	lowerCmd := strings.ToLower(command)

	if strings.Contains(lowerCmd, "powershell") {
		mappings = append(mappings, af.technique("T1059.001", 0.7, "PowerShell execution detected"))
	}
	if strings.Contains(lowerCmd, "cmd.exe") {
		mappings = append(mappings, af.technique("T1059.003", 0.6, "Windows command shell detected"))
	}
	if strings.Contains(lowerCmd, "-encodedcommand") || strings.Contains(lowerCmd, " -enc ") {
		mappings = append(mappings, af.technique("T1027", 0.8, "Encoded command detected"))
	}
	mappings = append(mappings, af.mapFileIndicator(command)...)

	return mappings
}

func (af *AttackFramework) mapRegistryIndicator(regPath string) []Mapping {
	lowerPath := strings.ToLower(regPath)
	if strings.Contains(lowerPath, `\run`) || strings.Contains(lowerPath, "runonce") {
		return []Mapping{af.technique("T1547.001", 0.8, "Registry persistence key modified")}
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// looksDGA flags long, character-diverse leftmost labels.
func looksDGA(domain string) bool {
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return false
	}

	label := parts[0]
	return len(label) > 12 && hasHighEntropy(label)
}

func hasHighEntropy(s string) bool {
	chars := make(map[rune]bool)
	for _, c := range s {
		chars[c] = true
	}
	ratio := float64(len(chars)) / float64(len(s))
	return ratio > 0.6
}

func (af *AttackFramework) initializeCommonTechniques() {
	af.mu.Lock()
	defer af.mu.Unlock()

	techniques := []*Technique{
		{ID: "T1059.001", Name: "PowerShell", Tactics: []string{"execution"}},
		{ID: "T1059.003", Name: "Windows Command Shell", Tactics: []string{"execution"}},
		{ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"credential-access"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactics: []string{"privilege-escalation"}},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"defense-evasion"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"execution"}},
		{ID: "T1547.001", Name: "Registry Run Keys / Startup Folder", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1568.002", Name: "Domain Generation Algorithms", Tactics: []string{"command-and-control"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	af.mu.Lock()
	defer af.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[strings.ToLower(t.ID)] = t
	}
}
