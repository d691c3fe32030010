package schedule

import (
	"sort"

	"tourplan/internal/model"
)

// MinServiceMinutes is the floor applied to every computed service duration.
const MinServiceMinutes = 15

// ServiceMinutes computes the on-site duration of a stop from its product
// lines and options. Unknown product or option ids contribute nothing.
func ServiceMinutes(kind model.StopKind, lines []model.ProductLine, optionIDs []string, table model.DurationTable) int {
	total := 0
	for _, line := range lines {
		p, ok := table.Products[line.ProductID]
		if !ok || line.Quantity <= 0 {
			continue
		}
		switch kind {
		case model.KindDelivery:
			total += p.InstallMinutes * line.Quantity
		case model.KindPickup:
			total += p.UninstallMinutes * line.Quantity
		case model.KindDeliveryAndPickup:
			total += (p.InstallMinutes + p.UninstallMinutes) * line.Quantity
		}
	}
	for _, id := range optionIDs {
		if o, ok := table.Options[id]; ok {
			total += o.ExtraMinutes
		}
	}
	return ClampService(total)
}

func StopServiceMinutes(s model.Stop, table model.DurationTable) int {
	return ServiceMinutes(s.Kind, s.Products, s.OptionIDs, table)
}

func ClampService(minutes int) int {
	if minutes < MinServiceMinutes {
		return MinServiceMinutes
	}
	return minutes
}

// CatalogIDs collects the distinct product and option ids referenced by
// stops so they can be fetched in one lookup.
func CatalogIDs(stops []model.Stop) (productIDs, optionIDs []string) {
	products := map[string]struct{}{}
	options := map[string]struct{}{}
	for _, s := range stops {
		for _, l := range s.Products {
			products[l.ProductID] = struct{}{}
		}
		for _, o := range s.OptionIDs {
			options[o] = struct{}{}
		}
	}
	return sortedKeys(products), sortedKeys(options)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
