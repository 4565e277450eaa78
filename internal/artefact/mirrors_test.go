package artefact

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

func names(candidates []Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Name)
	}
	return out
}

func mirrorFixture() *domain.CachedPackageInfo {
	return &domain.CachedPackageInfo{
		Artefact: domain.RemoteArtefact{URI: "https://dl.example.com/jdk.zip", Checksum: "abc", ChecksumType: "sha256"},
		Mirrors: []domain.ArtefactMirrorInfo{
			{Name: "origin", URI: "https://vendor.example.com/jdk.zip", IsOrigin: true},
			{Name: "fast", URI: "https://fast.example.com/jdk.zip"},
			{Name: "sketchy", URI: "https://sketchy.example.com/jdk.zip", IsQuestionable: true},
		},
		BestMirror: "fast",
	}
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		name   string
		policy MirrorPolicy
		want   []string
	}{
		{"default", MirrorPolicy{}, []string{"fast", PrimaryName, "origin"}},
		{"questionable allowed", MirrorPolicy{AllowQuestionable: true}, []string{"fast", PrimaryName, "origin", "sketchy"}},
		{"strict", MirrorPolicy{Strict: true}, []string{PrimaryName, "origin"}},
		{"strict ignores questionable opt-in", MirrorPolicy{Strict: true, AllowQuestionable: true}, []string{PrimaryName, "origin"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, names(Candidates(mirrorFixture(), tt.policy)))
		})
	}
}

func TestCandidates_BestOriginMirrorUnderStrict(t *testing.T) {
	info := mirrorFixture()
	info.BestMirror = "origin"

	got := Candidates(info, MirrorPolicy{Strict: true})
	assert.Equal(t, []string{"origin", PrimaryName}, names(got))
	assert.True(t, got[0].IsOrigin)
}

func TestCandidates_MirrorInheritsChecksum(t *testing.T) {
	info := mirrorFixture()
	info.Mirrors[1].Checksum = "own"
	info.Mirrors[1].ChecksumType = "sha512"

	got := Candidates(info, MirrorPolicy{})
	assert.Equal(t, "own", got[0].Artefact.Checksum)
	assert.Equal(t, "sha512", got[0].Artefact.ChecksumType)

	origin := got[2]
	assert.Equal(t, "origin", origin.Name)
	assert.Equal(t, "abc", origin.Artefact.Checksum)
	assert.Equal(t, "sha256", origin.Artefact.ChecksumType)
}

func TestCandidates_Nil(t *testing.T) {
	assert.Nil(t, Candidates(nil, MirrorPolicy{}))
}
