package staging

import (
	"encoding/json"
	"fmt"

	"github.com/portalcrane/portalcrane/pkg/model"
)

// trivyReport mirrors the subset of `trivy image --format json` output the
// pipeline needs: per-result vulnerability lists.
type trivyReport struct {
	Results []struct {
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Severity         string `json:"Severity"`
			Title            string `json:"Title"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// parseTrivyOutput tallies severity counts across all results and decides
// whether the image is blocked: blocked iff any requested severity has a
// nonzero count.
func parseTrivyOutput(raw []byte, requestedSeverities []string) (*model.ScanResult, error) {
	if len(raw) == 0 {
		return &model.ScanResult{}, nil
	}

	var report trivyReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("unmarshalling trivy report: %w", err)
	}

	result := &model.ScanResult{}
	for _, r := range report.Results {
		for _, v := range r.Vulnerabilities {
			result.Vulnerabilities = append(result.Vulnerabilities, model.Vulnerability{
				VulnerabilityID:  v.VulnerabilityID,
				PkgName:          v.PkgName,
				InstalledVersion: v.InstalledVersion,
				FixedVersion:     v.FixedVersion,
				Severity:         v.Severity,
				Title:            v.Title,
			})
			switch v.Severity {
			case "CRITICAL":
				result.Counts.Critical++
			case "HIGH":
				result.Counts.High++
			case "MEDIUM":
				result.Counts.Medium++
			case "LOW":
				result.Counts.Low++
			default:
				result.Counts.Unknown++
			}
		}
	}

	for _, sev := range requestedSeverities {
		if result.Counts.Get(sev) > 0 {
			result.Blocked = true
			break
		}
	}

	return result, nil
}
