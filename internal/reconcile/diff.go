package reconcile

import "github.com/evanofslack/cloud-dns-sync/internal/record"

// Diff compares normalized desired and observed records of zone. A key
// only in desired is created, a key only in observed is deleted and a key
// in both is updated when its values or an explicit TTL differ.
func Diff(zone string, desired, observed []record.Record) Plan {
	plan := Plan{Zone: zone}

	current := make(map[record.Key]record.Record, len(observed))
	for _, r := range observed {
		current[r.Key()] = r
	}
	wanted := make(map[record.Key]bool, len(desired))

	for _, d := range desired {
		wanted[d.Key()] = true
		o, exists := current[d.Key()]
		switch {
		case !exists:
			plan.Create = append(plan.Create, d.Clone())
		case record.Changed(d, o):
			u := d.Clone()
			u.ProviderID = o.ProviderID
			// Keep the provider's TTL when none is asked for.
			if u.TTL == 0 {
				u.TTL = o.TTL
			}
			plan.Update = append(plan.Update, u)
		}
	}
	for _, o := range observed {
		if !wanted[o.Key()] {
			plan.Delete = append(plan.Delete, o.Clone())
		}
	}

	record.Sort(plan.Create)
	record.Sort(plan.Update)
	record.Sort(plan.Delete)
	return plan
}
