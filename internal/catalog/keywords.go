package catalog

import "github.com/troupelabs/troupe/pkg/provider/stt"

// KeywordBoosts returns an STT vocabulary hint for every character name and
// alias in the roster, all at the given boost intensity. A boost of 0
// disables hinting and returns nil.
func (c *Catalog) KeywordBoosts(boost float64) []stt.KeywordBoost {
	if boost == 0 {
		return nil
	}
	var out []stt.KeywordBoost
	for _, d := range c.defs {
		out = append(out, stt.KeywordBoost{Keyword: d.Name, Boost: boost})
		for _, alias := range d.Aliases {
			out = append(out, stt.KeywordBoost{Keyword: alias, Boost: boost})
		}
	}
	return out
}
