package imcurate

import "testing"

func TestClassifyLicense(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		row   Row
		extra []string
		want  ImageLicense
	}{
		{name: "empty", row: Row{}, want: LicenseUnknown},
		{name: "shutterstock copyright", row: Row{"copyright": "Copyright Shutterstock Inc."}, want: LicenseBlocked},
		{name: "getty creator", row: Row{"creator": "Getty Images"}, want: LicenseBlocked},
		{name: "istock mixed case", row: Row{"copyright": "iStockPhoto.com/photographer"}, want: LicenseBlocked},
		{name: "regular photographer", row: Row{"copyright": "Copyright 2024 John Smith", "creator": "John Smith"}, want: LicenseUnknown},
		{name: "cc license field", row: Row{"license": "https://creativecommons.org/licenses/by/4.0/"}, want: LicenseSafe},
		{name: "cc in copyright", row: Row{"copyright": "CC0 https://creativecommons.org/publicdomain/zero/1.0/"}, want: LicenseSafe},
		{name: "stock wins over cc", row: Row{"creator": "Alamy", "license": "https://creativecommons.org/licenses/by/4.0/"}, want: LicenseBlocked},
		{name: "extra keyword", row: Row{"creator": "Studio Nine"}, extra: []string{"studio nine"}, want: LicenseBlocked},
		{name: "empty extra keyword ignored", row: Row{"creator": "Jane"}, extra: []string{""}, want: LicenseUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyLicense(tc.row, tc.extra); got != tc.want {
				t.Errorf("ClassifyLicense() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsCCLicense(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{in: "https://creativecommons.org/licenses/by/4.0/", want: true},
		{in: "https://creativecommons.org/licenses/by-sa/3.0/", want: true},
		{in: "https://creativecommons.org/publicdomain/zero/1.0/", want: true},
		{in: "https://creativecommons.org/publicdomain/mark/1.0/", want: true},
		{in: "HTTPS://CREATIVECOMMONS.ORG/LICENSES/BY/2.0/", want: true},
		{in: "https://creativecommons.org/", want: false},
		{in: "https://example.com/licenses/mit", want: false},
		{in: "", want: false},
	}
	for _, tc := range tests {
		if got := IsCCLicense(tc.in); got != tc.want {
			t.Errorf("IsCCLicense(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestImageLicenseString(t *testing.T) {
	t.Parallel()
	for l, want := range map[ImageLicense]string{LicenseSafe: "safe", LicenseUnknown: "unknown", LicenseBlocked: "blocked"} {
		if got := l.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", l, got, want)
		}
	}
}
