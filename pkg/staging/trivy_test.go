package staging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReport = `{
	"Results": [
		{
			"Vulnerabilities": [
				{"VulnerabilityID": "CVE-2024-0001", "PkgName": "openssl", "InstalledVersion": "1.0", "FixedVersion": "1.1", "Severity": "CRITICAL", "Title": "bad thing"},
				{"VulnerabilityID": "CVE-2024-0002", "PkgName": "libfoo", "InstalledVersion": "2.0", "FixedVersion": "", "Severity": "LOW", "Title": "minor thing"}
			]
		}
	]
}`

func Test_ParseTrivyOutput_Blocked(t *testing.T) {
	result, err := parseTrivyOutput([]byte(sampleReport), []string{"CRITICAL", "HIGH"})
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, 1, result.Counts.Critical)
	assert.Equal(t, 1, result.Counts.Low)
	assert.Len(t, result.Vulnerabilities, 2)
}

func Test_ParseTrivyOutput_NotBlockedWhenSeverityNotRequested(t *testing.T) {
	result, err := parseTrivyOutput([]byte(sampleReport), []string{"LOW"})
	require.NoError(t, err)
	assert.True(t, result.Blocked)

	result, err = parseTrivyOutput([]byte(sampleReport), []string{"MEDIUM"})
	require.NoError(t, err)
	assert.False(t, result.Blocked)
}

func Test_ParseTrivyOutput_EmptyInput(t *testing.T) {
	result, err := parseTrivyOutput(nil, []string{"CRITICAL"})
	require.NoError(t, err)
	assert.False(t, result.Blocked)
	assert.Empty(t, result.Vulnerabilities)
}

func Test_ParseTrivyOutput_InvalidJSON(t *testing.T) {
	_, err := parseTrivyOutput([]byte("not json"), []string{"CRITICAL"})
	assert.Error(t, err)
}
