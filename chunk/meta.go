package chunk

import (
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/planset/docpipe"
)

// ProjectMeta is attached to every chunk for context.
type ProjectMeta struct {
	PlanID            string    `json:"plan_id"`
	Name              string    `json:"name,omitempty"`
	Location          string    `json:"location,omitempty"`
	Title             string    `json:"title,omitempty"`
	TotalPages        int       `json:"total_pages"`
	UploadDate        time.Time `json:"upload_date"`
	DetectedNames     []string  `json:"detected_project_names,omitempty"`
	DetectedAddresses []string  `json:"detected_addresses,omitempty"`
}

const maxDetected = 5

var (
	projectNameRe = regexp.MustCompile(`(?im)^\s*PROJECT(?:\s+NAME)?\s*[:\-]\s*(\S.{1,79}?)\s*$`)
	addressRe     = regexp.MustCompile(`(?i)\b\d{1,6}\s+(?:[A-Z0-9][A-Z0-9.']*\s+){0,4}(?:STREET|ST|AVENUE|AVE|ROAD|RD|BOULEVARD|BLVD|DRIVE|DR|LANE|LN|WAY|COURT|CT|HIGHWAY|HWY|PARKWAY|PKWY)\b\.?(?:,\s*[A-Z][A-Z .]{1,30})?`)
)

// DetectProjectMeta fills the detected names and addresses from page text.
// Explicit fields already set on meta are kept.
func DetectProjectMeta(meta ProjectMeta, doc *docpipe.Document) ProjectMeta {
	if doc == nil {
		return meta
	}
	if meta.TotalPages == 0 {
		meta.TotalPages = len(doc.Pages)
	}
	if meta.Title == "" {
		meta.Title = doc.Title
	}
	names := map[string]bool{}
	addrs := map[string]bool{}
	for _, p := range doc.Pages {
		for _, m := range projectNameRe.FindAllStringSubmatch(p.Text, -1) {
			n := strings.TrimSpace(m[1])
			if !names[strings.ToUpper(n)] && len(meta.DetectedNames) < maxDetected {
				names[strings.ToUpper(n)] = true
				meta.DetectedNames = append(meta.DetectedNames, n)
			}
		}
		for _, a := range addressRe.FindAllString(p.Text, -1) {
			a = strings.Join(strings.Fields(a), " ")
			if !addrs[strings.ToUpper(a)] && len(meta.DetectedAddresses) < maxDetected {
				addrs[strings.ToUpper(a)] = true
				meta.DetectedAddresses = append(meta.DetectedAddresses, a)
			}
		}
	}
	if meta.Name == "" && len(meta.DetectedNames) > 0 {
		meta.Name = meta.DetectedNames[0]
	}
	if meta.Location == "" && len(meta.DetectedAddresses) > 0 {
		meta.Location = meta.DetectedAddresses[0]
	}
	return meta
}
