package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/samber/lo"
)

const MSUTarget = "MSU"

// MSUEntry is one Microsoft security update fixing a CVE for a product.
type MSUEntry struct {
	CveID           string `json:"-"`
	Patch           string `json:"patch"`
	Product         string `json:"product"`
	RestartRequired string `json:"restart_required"`
	Subtype         string `json:"subtype"`
	Title           string `json:"title"`
	URL             string `json:"url"`
}

// ParseMSU decodes a document keyed by CVE. The entries of a CVE may be an
// object keyed by any name or an array. The result is ordered by CVE and
// then by entry key.
func ParseMSU(r io.Reader) ([]MSUEntry, error) {
	var doc map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("could not decode msu feed: %w", err)
	}

	cves := lo.Keys(doc)
	sort.Strings(cves)

	var entries []MSUEntry
	for _, cve := range cves {
		items, err := msuItems(doc[cve])
		if err != nil {
			return nil, fmt.Errorf("could not decode msu entries of %s: %w", cve, err)
		}
		for _, item := range items {
			item.CveID = cve
			entries = append(entries, item)
		}
	}
	return entries, nil
}

func msuItems(raw json.RawMessage) ([]MSUEntry, error) {
	var list []MSUEntry
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var keyed map[string]MSUEntry
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, err
	}
	keys := lo.Keys(keyed)
	sort.Strings(keys)
	list = make([]MSUEntry, 0, len(keys))
	for _, key := range keys {
		list = append(list, keyed[key])
	}
	return list, nil
}
