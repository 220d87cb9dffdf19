package certificate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSV(t *testing.T) {
	records := []Record{
		{DeviceID: "D1", Timestamp: at(1, 10), GasType: "CO", Passed: true, CertificatePath: "/c/one.pdf", Digest: "aa"},
		{DeviceID: "D,2", Timestamp: at(2, 11), GasType: "H2S", Digest: "bb"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, records))

	expected := "DeviceId,Timestamp,GasType,Passed,CertificateFilePath,CertificateHash\n" +
		"D1,2024-03-01T10:00:00Z,CO,true,/c/one.pdf,aa\n" +
		"\"D,2\",2024-03-02T11:00:00Z,H2S,false,,bb\n"
	assert.Equal(t, expected, buf.String())
}

func TestCSVSinkExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	sink := NewCSVSink(dir)
	sink.now = func() time.Time { return time.Date(2024, 3, 5, 14, 30, 9, 0, time.UTC) }

	path, err := sink.Export(context.Background(), []Record{rec("D1", "CO", at(1, 10), true, "aa")})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "certificates-20240305143009.csv"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "D1,2024-03-01T10:00:00Z,CO,true,,aa")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestSummarize(t *testing.T) {
	summary := Summarize([]Record{
		rec("D1", "CO", at(1, 10), true, "a"),
		rec("D1", "CO", at(2, 10), false, "b"),
		rec("D2", "CO", at(3, 10), true, "c"),
	})
	assert.Equal(t, Summary{Total: 3, Passed: 2, Failed: 1}, summary)
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestWriteSummaryPDF(t *testing.T) {
	var buf bytes.Buffer
	generated := time.Date(2024, 3, 5, 14, 30, 9, 0, time.UTC)
	require.NoError(t, WriteSummaryPDF(&buf, Summary{Total: 3, Passed: 2, Failed: 1}, generated))
	pdf := buf.String()

	assert.True(t, strings.HasPrefix(pdf, "%PDF-1.4\n"))
	assert.True(t, strings.HasSuffix(pdf, "%%EOF\n"))
	for _, line := range []string{
		"(Certificate Compliance Summary) Tj",
		"(Generated: 2024-03-05T14:30:09Z) Tj",
		"(Total Records: 3) Tj",
		"(Pass: 2) Tj",
		"(Fail: 1) Tj",
	} {
		assert.Contains(t, pdf, line)
	}

	// startxref and every xref entry point at the objects they name
	startxref := regexp.MustCompile(`startxref\n(\d+)\n`).FindStringSubmatch(pdf)
	require.Len(t, startxref, 2)
	xref, err := strconv.Atoi(startxref[1])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pdf[xref:], "xref\n0 6\n"))

	entries := regexp.MustCompile(`(\d{10}) 00000 n \n`).FindAllStringSubmatch(pdf, -1)
	require.Len(t, entries, 5)
	for i, entry := range entries {
		offset, err := strconv.Atoi(entry[1])
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(pdf[offset:], strconv.Itoa(i+1)+" 0 obj"), "object %d", i+1)
	}
}

func TestWriteSummaryPDFEscapesText(t *testing.T) {
	assert.Equal(t, `a\(b\)\\c`, pdfEscaper.Replace(`a(b)\c`))
}

func TestSummarySinkExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	sink := NewSummarySink(dir)
	sink.now = func() time.Time { return time.Date(2024, 3, 5, 14, 30, 9, 0, time.UTC) }

	path, err := sink.Export(context.Background(), []Record{
		rec("D1", "CO", at(1, 10), true, "aa"),
		rec("D2", "CO", at(1, 11), false, "bb"),
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "certificates-summary-20240305143009.pdf"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "(Fail: 1) Tj")
}
