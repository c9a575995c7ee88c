package domain

// ZoneDiff describes how one municipality differs between two Datasets.
// An empty From means the code only exists in the target; an empty To means it
// only exists in the base.
type ZoneDiff struct {
	Code string `json:"code"`
	Name string `json:"name"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// DiffZones lists, ordered by code, every municipality whose zone differs
// between base and target.
func DiffZones(base, target *Dataset) []ZoneDiff {
	if base == nil {
		base = EmptyDataset()
	}
	if target == nil {
		target = EmptyDataset()
	}

	var diffs []ZoneDiff
	i, j := 0, 0
	for i < len(base.codes) || j < len(target.codes) {
		switch {
		case j >= len(target.codes) || (i < len(base.codes) && base.codes[i] < target.codes[j]):
			r := base.records[base.codes[i]]
			diffs = append(diffs, ZoneDiff{Code: r.Code, Name: r.Name, From: r.Zone})
			i++
		case i >= len(base.codes) || target.codes[j] < base.codes[i]:
			r := target.records[target.codes[j]]
			diffs = append(diffs, ZoneDiff{Code: r.Code, Name: r.Name, To: r.Zone})
			j++
		default:
			from := base.records[base.codes[i]]
			to := target.records[target.codes[j]]
			if from.Zone != to.Zone {
				diffs = append(diffs, ZoneDiff{Code: to.Code, Name: to.Name, From: from.Zone, To: to.Zone})
			}
			i++
			j++
		}
	}
	return diffs
}
