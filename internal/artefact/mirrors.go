package artefact

import "github.com/freewebtopdf/toolvm/internal/domain"

// PrimaryName names the package's own artefact among the candidates
const PrimaryName = "primary"

// MirrorPolicy restricts which mirrors are offered for download
type MirrorPolicy struct {
	// Strict keeps only origin mirrors besides the primary artefact
	Strict bool
	// AllowQuestionable admits mirrors flagged as questionable
	AllowQuestionable bool
}

// Candidate is one download location
type Candidate struct {
	Name     string
	Artefact domain.RemoteArtefact
	IsOrigin bool
}

// Candidates lists download locations in preference order: the best mirror,
// the primary artefact, then the remaining mirrors in declared order. Origin
// mirrors are always offered. A mirror without its own checksum inherits the
// primary artefact's.
func Candidates(info *domain.CachedPackageInfo, policy MirrorPolicy) []Candidate {
	if info == nil {
		return nil
	}

	allowed := func(m domain.ArtefactMirrorInfo) bool {
		switch {
		case m.IsOrigin:
			return true
		case policy.Strict:
			return false
		case m.IsQuestionable:
			return policy.AllowQuestionable
		}
		return true
	}

	mirrorCandidate := func(m domain.ArtefactMirrorInfo) Candidate {
		a := m.Artefact()
		if !a.HasChecksum() {
			a.Checksum = info.Artefact.Checksum
			a.ChecksumType = info.Artefact.ChecksumType
		}
		return Candidate{Name: m.Name, Artefact: a, IsOrigin: m.IsOrigin}
	}

	candidates := make([]Candidate, 0, len(info.Mirrors)+1)
	if info.BestMirror != "" {
		for _, m := range info.Mirrors {
			if m.Name == info.BestMirror && allowed(m) {
				candidates = append(candidates, mirrorCandidate(m))
				break
			}
		}
	}

	if info.Artefact.URI != "" {
		candidates = append(candidates, Candidate{Name: PrimaryName, Artefact: info.Artefact})
	}

	for _, m := range info.Mirrors {
		if m.Name == info.BestMirror || !allowed(m) {
			continue
		}
		candidates = append(candidates, mirrorCandidate(m))
	}
	return candidates
}
