package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
)

const (
	agentsQuery = "global sql SELECT ID, NAME, IP, REGISTER_IP, OS_NAME, OS_MAJOR, OS_MINOR, OS_ARCH, OS_BUILD FROM AGENT " +
		"WHERE (STRFTIME('%%s', 'NOW', 'LOCALTIME') - STRFTIME('%%s', LAST_KEEPALIVE)) < %d;"
	scanQuery = "agent %03d sql SELECT SCAN_ID FROM SYS_PROGRAMS WHERE SCAN_TIME = " +
		"(SELECT SCAN_TIME FROM SYS_PROGRAMS S1 WHERE NOT EXISTS " +
		"(SELECT SCAN_TIME FROM SYS_PROGRAMS S2 WHERE S2.SCAN_TIME > S1.SCAN_TIME)) LIMIT 1;"
	untriagedQuery = "agent %03d sql SELECT DISTINCT NAME, VERSION, ARCHITECTURE, VENDOR, CPE, MSU_NAME FROM SYS_PROGRAMS " +
		"WHERE TRIAGED != 1 AND SCAN_ID = '%s' LIMIT %d OFFSET %d;"
	fullQuery = "agent %03d sql SELECT DISTINCT NAME, VERSION, ARCHITECTURE, VENDOR, CPE, MSU_NAME FROM SYS_PROGRAMS " +
		"WHERE SCAN_ID = '%s' LIMIT %d OFFSET %d;"
	triagedQuery   = "agent %03d sql UPDATE SYS_PROGRAMS SET TRIAGED = 1 WHERE SCAN_ID = '%s';"
	setCPEQuery    = "agent %03d sql UPDATE SYS_PROGRAMS SET CPE = '%s', MSU_NAME = '%s' WHERE VENDOR = '%s' AND NAME = '%s' AND VERSION = '%s' AND ARCHITECTURE = '%s';"
	clearCPEsQuery = "agent %03d sql UPDATE SYS_PROGRAMS SET CPE = NULL, MSU_NAME = NULL;"
	hotfixesQuery  = "agent %03d sql SELECT HOTFIX FROM SYS_HOTFIXES;"
	releaseQuery   = "agent %03d sql SELECT OS_RELEASE FROM SYS_OSINFO;"
)

// Agents returns the agents that sent a keepalive within window. Agents that
// never reported their OS are left out.
func (c *Client) Agents(ctx context.Context, window time.Duration) ([]Agent, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	var agents []Agent
	if err := c.Query(ctx, fmt.Sprintf(agentsQuery, int(window.Seconds())), &agents); err != nil {
		return nil, fmt.Errorf("could not list agents: %w", err)
	}

	return lo.Filter(agents, func(a Agent, _ int) bool {
		switch {
		case a.OSName == "":
			c.Log.Debug("Agent never connected", "agent", a.Name)
			return false
		case a.OSMajor == "":
			c.Log.Debug("Agent has an unsupported OS", "agent", a.Label(), "name", a.Name)
			return false
		case a.IP == "" && a.RegisterIP == "":
			c.Log.Error("Agent has no IP address", "agent", a.Label())
			return false
		}
		return true
	}), nil
}

// ScanID returns the id of the latest software scan of the agent, or an
// empty string if it was never scanned.
func (c *Client) ScanID(ctx context.Context, agent int) (string, error) {
	var rows []struct {
		ScanID json.Number `json:"scan_id"`
	}
	if err := c.Query(ctx, fmt.Sprintf(scanQuery, agent), &rows); err != nil {
		return "", fmt.Errorf("could not read scan of agent %03d: %w", agent, err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].ScanID.String(), nil
}

// Packages pages through the programs of a scan. Unless full is set, only
// packages not triaged yet are returned.
func (c *Client) Packages(ctx context.Context, agent int, scanID string, full bool) ([]Package, error) {
	query := untriagedQuery
	if full {
		query = fullQuery
	}

	var packages []Package
	for offset := 0; ; offset += PageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var page []Package
		if err := c.Query(ctx, fmt.Sprintf(query, agent, quote(scanID), PageSize, offset), &page); err != nil {
			return nil, fmt.Errorf("could not read packages of agent %03d: %w", agent, err)
		}
		packages = append(packages, page...)
		if len(page) < PageSize {
			break
		}
	}
	return packages, nil
}

// MarkTriaged flags every package of the scan so that the next pass only
// sees new ones.
func (c *Client) MarkTriaged(ctx context.Context, agent int, scanID string) error {
	if err := c.Query(ctx, fmt.Sprintf(triagedQuery, agent, quote(scanID)), nil); err != nil {
		return fmt.Errorf("could not mark scan %s of agent %03d: %w", scanID, agent, err)
	}
	return nil
}

// SetCPE stores the CPE generated for a package.
func (c *Client) SetCPE(ctx context.Context, agent int, pkg Package, generated cpe.CPE) error {
	q := fmt.Sprintf(setCPEQuery, agent,
		quote(generated.String()), quote(generated.MsuName),
		quote(pkg.Vendor), quote(pkg.Name), quote(pkg.Version), quote(pkg.Architecture))
	if err := c.Query(ctx, q, nil); err != nil {
		return fmt.Errorf("could not store cpe of %s: %w", pkg.Name, err)
	}
	return nil
}

// ClearCPEs drops every CPE stored for the agent's packages.
func (c *Client) ClearCPEs(ctx context.Context, agent int) error {
	if err := c.Query(ctx, fmt.Sprintf(clearCPEsQuery, agent), nil); err != nil {
		return fmt.Errorf("could not clear cpes of agent %03d: %w", agent, err)
	}
	return nil
}

type hotfixRow struct {
	Hotfix string `json:"hotfix"`
}

// Hotfixes returns the hotfixes installed on a Windows agent.
func (c *Client) Hotfixes(ctx context.Context, agent int) ([]string, error) {
	var rows []hotfixRow
	if err := c.Query(ctx, fmt.Sprintf(hotfixesQuery, agent), &rows); err != nil {
		return nil, fmt.Errorf("could not read hotfixes of agent %03d: %w", agent, err)
	}
	return lo.FilterMap(rows, func(r hotfixRow, _ int) (string, bool) {
		h := strings.TrimSpace(r.Hotfix)
		return h, h != ""
	}), nil
}

// OSRelease returns the OS release of a Windows agent, such as "1809".
func (c *Client) OSRelease(ctx context.Context, agent int) (string, error) {
	var rows []struct {
		OSRelease string `json:"os_release"`
	}
	if err := c.Query(ctx, fmt.Sprintf(releaseQuery, agent), &rows); err != nil {
		return "", fmt.Errorf("could not read os info of agent %03d: %w", agent, err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].OSRelease, nil
}
