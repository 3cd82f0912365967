package imcurate

import "strings"

// ImageLicense classifies a file by the rights recorded in its metadata.
type ImageLicense int

const (
	LicenseSafe    ImageLicense = iota // Creative Commons or public domain
	LicenseUnknown                     // no rights info
	LicenseBlocked                     // stock agency fingerprint
)

func (l ImageLicense) String() string {
	switch l {
	case LicenseSafe:
		return "safe"
	case LicenseBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// StockKeywords are substrings that indicate a stock-photo agency when found
// (case-insensitive) in a copyright or creator field.
var StockKeywords = []string{
	"shutterstock",
	"gettyimages",
	"getty images",
	"istockphoto",
	"istock",
	"alamy",
	"depositphotos",
	"dreamstime",
	"123rf",
	"adobestock",
	"adobe stock",
	"bigstockphoto",
	"stocksy",
	"pond5",
	"masterfile",
	"superstock",
	"agefotostock",
	"age fotostock",
	"colourbox",
	"yayimages",
	"vectorstock",
	"freepik",
	"canstockphoto",
}

// ccLicensePathSegments identify a Creative Commons license or public-domain
// dedication (as opposed to the CC homepage).
var ccLicensePathSegments = []string{
	"creativecommons.org/licenses/",
	"creativecommons.org/publicdomain/",
}

// IsCCLicense reports whether s references a Creative Commons license.
func IsCCLicense(s string) bool {
	lower := strings.ToLower(s)
	for _, seg := range ccLicensePathSegments {
		if strings.Contains(lower, seg) {
			return true
		}
	}
	return false
}

// ClassifyLicense derives a license class from the metadata columns of row.
// Stock fingerprints win over a CC reference.
func ClassifyLicense(row Row, extraBlocked []string) ImageLicense {
	copyright, _ := row.String("copyright")
	creator, _ := row.String("creator")
	license, _ := row.String("license")

	for _, f := range []string{copyright, creator} {
		if f == "" {
			continue
		}
		lower := strings.ToLower(f)
		for _, kw := range StockKeywords {
			if strings.Contains(lower, kw) {
				return LicenseBlocked
			}
		}
		for _, kw := range extraBlocked {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return LicenseBlocked
			}
		}
	}
	if IsCCLicense(license) || IsCCLicense(copyright) {
		return LicenseSafe
	}
	return LicenseUnknown
}

// LicenseRule filters on the rights recorded by the metadata producer.
type LicenseRule struct {
	BlockStock   bool     `json:"block_stock"`
	RequireCC    bool     `json:"require_cc"`
	ExtraBlocked []string `json:"extra_blocked,omitempty"`
}

func (LicenseRule) Name() string { return "license" }

func (LicenseRule) Requires() []string { return []string{"copyright", "creator", "license"} }

func (r LicenseRule) NewEvaluator() Evaluator {
	return func(row Row) bool {
		switch ClassifyLicense(row, r.ExtraBlocked) {
		case LicenseBlocked:
			return !r.BlockStock && !r.RequireCC
		case LicenseSafe:
			return true
		default:
			return !r.RequireCC
		}
	}
}
