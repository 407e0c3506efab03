package nvd

import (
	"encoding/json"
	"testing"
	"time"
)

// TestNVDTimeUnmarshal covers the timestamp shapes the API emits:
// fractional and whole seconds without a zone, plus the RFC 3339 form
// some mirrors return.
func TestNVDTimeUnmarshal(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{"millis", `"2025-08-20T16:45:30.123"`, time.Date(2025, 8, 20, 16, 45, 30, 123000000, time.UTC), false},
		{"whole seconds", `"2025-08-20T16:45:30"`, time.Date(2025, 8, 20, 16, 45, 30, 0, time.UTC), false},
		{"rfc3339", `"2025-08-20T16:45:30Z"`, time.Date(2025, 8, 20, 16, 45, 30, 0, time.UTC), false},
		{"null", `null`, time.Time{}, false},
		{"empty", `""`, time.Time{}, false},
		{"garbage", `"yesterday"`, time.Time{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ts NVDTime
			err := json.Unmarshal([]byte(tc.in), &ts)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error for %s", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal %s: %v", tc.in, err)
			}
			if tc.want.IsZero() {
				if !ts.IsZero() {
					t.Fatalf("got %v, want zero", ts.Time)
				}
				return
			}
			if !ts.Equal(tc.want) {
				t.Fatalf("got %v, want %v", ts.Time, tc.want)
			}
		})
	}
}

func TestNVDTimeMarshal(t *testing.T) {
	ts := NewNVDTime(time.Date(2025, 8, 20, 16, 45, 30, 123000000, time.UTC))
	out, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"2025-08-20T16:45:30.123"` {
		t.Fatalf("marshal = %s", out)
	}

	var back NVDTime
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if !back.Equal(ts.Time) {
		t.Fatalf("round trip drifted: %v != %v", back.Time, ts.Time)
	}

	out, err = json.Marshal(NVDTime{})
	if err != nil {
		t.Fatalf("marshal zero: %v", err)
	}
	if string(out) != "null" {
		t.Fatalf("zero time marshal = %s, want null", out)
	}
}

func TestNVDTimePtr(t *testing.T) {
	if got := (NVDTime{}).Ptr(); got != nil {
		t.Fatalf("zero Ptr() = %v, want nil", got)
	}
	at := time.Date(2025, 8, 20, 16, 45, 30, 0, time.UTC)
	got := NewNVDTime(at).Ptr()
	if got == nil || !got.Equal(at) {
		t.Fatalf("Ptr() = %v, want %v", got, at)
	}
}

// TestPageDecode guards the JSON tags against a realistic API 2.0
// envelope.
func TestPageDecode(t *testing.T) {
	const body = `{
		"resultsPerPage": 1,
		"startIndex": 0,
		"totalResults": 4102,
		"format": "NVD_CVE",
		"version": "2.0",
		"timestamp": "2025-08-20T17:00:01.230",
		"vulnerabilities": [{
			"cve": {
				"id": "CVE-2025-30001",
				"sourceIdentifier": "cve@mitre.org",
				"published": "2025-08-12T09:30:00.000",
				"lastModified": "2025-08-20T16:45:30.123",
				"vulnStatus": "Analyzed",
				"descriptions": [
					{"lang": "en", "value": "Buffer overflow in Acme Widget."}
				],
				"metrics": {
					"cvssMetricV31": [{
						"source": "nvd@nist.gov",
						"type": "Primary",
						"cvssData": {
							"version": "3.1",
							"vectorString": "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
							"baseScore": 8.1,
							"baseSeverity": "HIGH"
						},
						"exploitabilityScore": 3.9,
						"impactScore": 5.9
					}]
				},
				"configurations": [{
					"nodes": [{
						"operator": "OR",
						"negate": false,
						"cpeMatch": [{
							"vulnerable": true,
							"criteria": "cpe:2.3:a:acme:widget:*:*:*:*:*:*:*:*",
							"versionEndExcluding": "2.4.1",
							"matchCriteriaId": "F9D0A0E1-52A9-4C29-A241-0000DEAD0001"
						}]
					}]
				}],
				"references": [
					{"url": "https://security.acme.com/bulletins/widget", "source": "cve@mitre.org", "tags": ["Vendor Advisory"]}
				]
			}
		}]
	}`

	var page Page
	if err := json.Unmarshal([]byte(body), &page); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if page.TotalResults != 4102 || page.ResultsPerPage != 1 || page.Format != "NVD_CVE" {
		t.Fatalf("envelope = %+v", page)
	}
	if len(page.Vulnerabilities) != 1 {
		t.Fatalf("got %d vulnerabilities, want 1", len(page.Vulnerabilities))
	}

	item := page.Vulnerabilities[0].CVE
	if item.ID != "CVE-2025-30001" || item.SourceID != "cve@mitre.org" || item.VulnStatus != "Analyzed" {
		t.Fatalf("item header = %+v", item)
	}
	if item.LastModified.IsZero() || item.LastModified.Nanosecond() != 123000000 {
		t.Fatalf("lastModified = %v", item.LastModified.Time)
	}
	if item.Metrics == nil || len(item.Metrics.CvssMetricV31) != 1 {
		t.Fatal("missing v3.1 metrics")
	}
	m := item.Metrics.CvssMetricV31[0]
	if m.CvssData.BaseScore != 8.1 || m.CvssData.BaseSeverity != "HIGH" {
		t.Fatalf("cvssData = %+v", m.CvssData)
	}
	if m.ExploitabilityScore == nil || *m.ExploitabilityScore != 3.9 {
		t.Fatalf("exploitabilityScore = %v", m.ExploitabilityScore)
	}
	if len(item.Configurations) != 1 || len(item.Configurations[0].Nodes) != 1 {
		t.Fatal("missing configuration nodes")
	}
	match := item.Configurations[0].Nodes[0].CPEMatch[0]
	if !match.Vulnerable || match.VersionEndExcluding != "2.4.1" {
		t.Fatalf("cpeMatch = %+v", match)
	}
	if len(item.References) != 1 || item.References[0].URL != "https://security.acme.com/bulletins/widget" {
		t.Fatalf("references = %+v", item.References)
	}
}
