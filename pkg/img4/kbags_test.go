package img4

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

const testZipBuildManifest = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>ProductBuildVersion</key>
	<string>20A362</string>
	<key>ProductVersion</key>
	<string>16.0</string>
	<key>SupportedProductTypes</key>
	<array>
		<string>iPhone13,2</string>
	</array>
</dict>
</plist>
`

func testIPSW(t *testing.T) *zip.Reader {
	t.Helper()

	prod, dev := testKeybag(PRODUCTION), testKeybag(DEVELOPMENT)
	payload, err := NewIM4PData(encryptCBC(t, prod, generateTestData(0x40)), prod, dev)
	if err != nil {
		t.Fatalf("NewIM4PData() error = %v", err)
	}
	encrypted, err := NewIM4P(IM4P_IBOOT, "iBoot-8419.0.42", payload)
	if err != nil {
		t.Fatalf("NewIM4P() error = %v", err)
	}
	encData, err := encrypted.Output()
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	plainData, err := newTestIM4P(t, IM4P_DEVICE_TREE, generateTestData(0x20)).Output()
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{"BuildManifest.plist", []byte(testZipBuildManifest)},
		{"Firmware/all_flash/iBoot.d27.RELEASE.im4p", encData},
		{"Firmware/all_flash/DeviceTree.d27ap.im4p", plainData},
		{"Firmware/all_flash/broken.im4p", []byte("not an im4p")},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			t.Fatalf("failed to create %s: %v", f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			t.Fatalf("failed to write %s: %v", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("failed to open zip: %v", err)
	}
	return zr
}

func TestParseZipKeyBags(t *testing.T) {
	zr := testIPSW(t)

	kbags, err := ParseZipKeyBags(zr.File, "")
	if err != nil {
		t.Fatalf("ParseZipKeyBags() error = %v", err)
	}
	if kbags.Version != "16.0" || kbags.Build != "20A362" {
		t.Errorf("ParseZipKeyBags() version = %s (%s)", kbags.Version, kbags.Build)
	}
	if len(kbags.Devices) != 1 || kbags.Devices[0] != "iPhone13,2" {
		t.Errorf("ParseZipKeyBags() devices = %v", kbags.Devices)
	}
	if len(kbags.Files) != 1 {
		t.Fatalf("ParseZipKeyBags() found %d encrypted files, want 1", len(kbags.Files))
	}
	if kbags.Files[0].Name != "iBoot.d27.RELEASE.im4p" || len(kbags.Files[0].Keybags) != 2 {
		t.Errorf("ParseZipKeyBags() file = %+v", kbags.Files[0])
	}

	dat, err := json.Marshal(kbags)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if !strings.Contains(string(dat), `"build":"20A362"`) {
		t.Errorf("json.Marshal() = %s", dat)
	}

	filtered, err := ParseZipKeyBags(zr.File, `DeviceTree`)
	if err != nil {
		t.Fatalf("ParseZipKeyBags(DeviceTree) error = %v", err)
	}
	if len(filtered.Files) != 0 {
		t.Errorf("ParseZipKeyBags(DeviceTree) = %d files, want 0", len(filtered.Files))
	}

	if _, err := ParseZipKeyBags(zr.File, `(`); err == nil {
		t.Error("ParseZipKeyBags(bad pattern) expected error")
	}
}
