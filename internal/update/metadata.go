package update

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

// PackageRef points at one downloadable package or segment.
type PackageRef struct {
	URL  string
	Size int64
	MD5  string
}

// UpdatePlan is the outcome of checking a title for updates. Delta is set
// only when a diff keyed to the exact current version exists; Full holds the
// ordered package segments (a single-archive package is one segment).
type UpdatePlan struct {
	CurrentVersion  string
	LatestVersion   string
	Delta           *PackageRef
	Full            []PackageRef
	UpdateAvailable bool
}

// flexInt64 tolerates sizes serialized as numbers or strings across endpoint
// generations.
type flexInt64 int64

func (v *flexInt64) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*v = flexInt64(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*v = flexInt64(n)
	return nil
}

// Legacy "versioned resource" shape.
type legacyResponse struct {
	Retcode int `json:"retcode"`
	Data    *struct {
		Game *struct {
			Latest *struct {
				Version  string      `json:"version"`
				Path     string      `json:"path"`
				Size     flexInt64   `json:"size"`
				MD5      string      `json:"md5"`
				Segments []legacyPkg `json:"segments"`
			} `json:"latest"`
			Diffs []struct {
				Version string    `json:"version"`
				Path    string    `json:"path"`
				Size    flexInt64 `json:"size"`
				MD5     string    `json:"md5"`
			} `json:"diffs"`
		} `json:"game"`
	} `json:"data"`
}

type legacyPkg struct {
	Path string    `json:"path"`
	Size flexInt64 `json:"size"`
	MD5  string    `json:"md5"`
}

// Newer "game packages" shape.
type packagesResponse struct {
	Retcode int `json:"retcode"`
	Data    *struct {
		GamePackages []struct {
			Main struct {
				Major *struct {
					Version  string       `json:"version"`
					GamePkgs []packagePkg `json:"game_pkgs"`
				} `json:"major"`
				Patches []struct {
					Version  string       `json:"version"`
					GamePkgs []packagePkg `json:"game_pkgs"`
				} `json:"patches"`
			} `json:"main"`
		} `json:"game_packages"`
	} `json:"data"`
}

type packagePkg struct {
	URL  string    `json:"url"`
	Size flexInt64 `json:"size"`
	MD5  string    `json:"md5"`
}

// FetchPlan queries the metadata endpoint and derives an UpdatePlan for the
// given current version. Both response families are tolerated; an
// unparseable body yields a plan with no update info rather than an error.
func (o *Orchestrator) FetchPlan(ctx context.Context, metadataURL, currentVersion string) (*UpdatePlan, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	plan := parsePlan(body, currentVersion)
	if plan == nil {
		o.log.WithField("url", metadataURL).Warn("no usable update info in metadata response")
		plan = &UpdatePlan{CurrentVersion: currentVersion}
	}
	// A title with no recorded version always takes the latest build; version
	// comparison only applies between two known versions.
	if currentVersion == "" {
		plan.UpdateAvailable = plan.LatestVersion != ""
	} else {
		plan.UpdateAvailable = IsNewer(plan.LatestVersion, currentVersion)
	}
	return plan, nil
}

func parsePlan(body []byte, currentVersion string) *UpdatePlan {
	if plan := parsePackagesShape(body, currentVersion); plan != nil {
		return plan
	}
	return parseLegacyShape(body, currentVersion)
}

func parsePackagesShape(body []byte, currentVersion string) *UpdatePlan {
	var resp packagesResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Data == nil || len(resp.Data.GamePackages) == 0 {
		return nil
	}
	main := resp.Data.GamePackages[0].Main
	if main.Major == nil || main.Major.Version == "" {
		return nil
	}

	plan := &UpdatePlan{
		CurrentVersion: currentVersion,
		LatestVersion:  main.Major.Version,
	}
	for _, pkg := range main.Major.GamePkgs {
		plan.Full = append(plan.Full, PackageRef{URL: pkg.URL, Size: int64(pkg.Size), MD5: pkg.MD5})
	}
	for _, diff := range main.Patches {
		if diff.Version == currentVersion && len(diff.GamePkgs) > 0 {
			pkg := diff.GamePkgs[0]
			plan.Delta = &PackageRef{URL: pkg.URL, Size: int64(pkg.Size), MD5: pkg.MD5}
			break
		}
	}
	return plan
}

func parseLegacyShape(body []byte, currentVersion string) *UpdatePlan {
	var resp legacyResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Data == nil || resp.Data.Game == nil {
		return nil
	}
	game := resp.Data.Game
	if game.Latest == nil || game.Latest.Version == "" {
		return nil
	}

	plan := &UpdatePlan{
		CurrentVersion: currentVersion,
		LatestVersion:  game.Latest.Version,
	}
	if len(game.Latest.Segments) > 0 {
		for _, seg := range game.Latest.Segments {
			plan.Full = append(plan.Full, PackageRef{URL: seg.Path, Size: int64(seg.Size), MD5: seg.MD5})
		}
	} else if game.Latest.Path != "" {
		plan.Full = []PackageRef{{URL: game.Latest.Path, Size: int64(game.Latest.Size), MD5: game.Latest.MD5}}
	}
	for _, diff := range game.Diffs {
		if diff.Version == currentVersion && diff.Path != "" {
			plan.Delta = &PackageRef{URL: diff.Path, Size: int64(diff.Size), MD5: diff.MD5}
			break
		}
	}
	return plan
}
