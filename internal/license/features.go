package license

// DefaultTrialProjectsLimit is the trial ceiling of the reference build
const DefaultTrialProjectsLimit = 2

// StandardProjectsLimit is the Standard tier ceiling
const StandardProjectsLimit = 5

// FeatureSet is the capability set granted by a tier
type FeatureSet struct {
	Export        bool `json:"export"`
	Print         bool `json:"print"`
	Share         bool `json:"share"`
	Watermark     bool `json:"watermark"`
	ProjectsLimit int  `json:"projects_limit"`
}

// Feature names a gated capability
type Feature string

const (
	FeatureExport Feature = "export"
	FeaturePrint  Feature = "print"
	FeatureShare  Feature = "share"
)

// Allows reports whether f is enabled in the set
func (fs FeatureSet) Allows(f Feature) bool {
	switch f {
	case FeatureExport:
		return fs.Export
	case FeaturePrint:
		return fs.Print
	case FeatureShare:
		return fs.Share
	default:
		return false
	}
}

// Features maps tiers to capability sets for one build
type Features struct {
	TrialProjectsLimit int
}

// FeaturesFor uses the reference trial limit
func FeaturesFor(t Tier) FeatureSet {
	return Features{TrialProjectsLimit: DefaultTrialProjectsLimit}.For(t)
}

// For returns the capability set of t. Unknown values get the trial set.
func (f Features) For(t Tier) FeatureSet {
	switch t {
	case TierTrial:
		return f.trial()
	case TierStandard:
		return FeatureSet{Export: true, Print: true, Share: true, ProjectsLimit: StandardProjectsLimit}
	case TierProMonthly, TierProYearly, TierEnterprise:
		return FeatureSet{Export: true, Print: true, Share: true, ProjectsLimit: Unlimited}
	case TierDeveloper:
		return FeatureSet{Export: true, Print: true, Share: true, ProjectsLimit: Unlimited}
	default:
		return f.trial()
	}
}

func (f Features) trial() FeatureSet {
	limit := f.TrialProjectsLimit
	if limit <= 0 {
		limit = DefaultTrialProjectsLimit
	}
	return FeatureSet{Watermark: true, ProjectsLimit: limit}
}
