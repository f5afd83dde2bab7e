package replicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_SortTags_SemverAware(t *testing.T) {
	tags := []string{"v1.10.0", "v1.2.0", "v1.1.0"}
	sortTags(tags)
	assert.Equal(t, []string{"v1.1.0", "v1.2.0", "v1.10.0"}, tags)
}

func Test_SortTags_FallsBackToLexicalForNonSemver(t *testing.T) {
	tags := []string{"latest", "edge", "nightly"}
	sortTags(tags)
	assert.Equal(t, []string{"edge", "latest", "nightly"}, tags)
}

func Test_DestRef(t *testing.T) {
	assert.Equal(t, "docker://registry.example.com/app:v1", destRef("registry.example.com", "", "app", "v1"))
	assert.Equal(t, "docker://registry.example.com/production/app:v1", destRef("registry.example.com", "production", "app", "v1"))
	assert.Equal(t, "docker://registry.example.com/production/app:v1", destRef("registry.example.com/", "/production/", "app", "v1"))
}
