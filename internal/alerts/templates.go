package alerts

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/dustin/go-humanize"

	"github.com/quotawatch/quotawatch/internal/models"
)

var userTemplate = template.Must(template.New("user").Parse(`Dear {{.Name}}


We have noticed that you have exceeded your quota on the storage
{{.Storages}}.

This may have a significant impact on the jobs you can run on the
clusters. Please clean up any files you no longer require.

Should you need more storage, you can use your VO storage. If you are not
a member of a VO, please consider joining one or ask for a VO to be created
for your research group. If your VO storage is full, please ask its
moderator to increase the quota.

Scratch space is meant as temporary storage for running jobs. Move data
you wish to keep to $VSC_DATA or $VSC_DATA_VO/$USER.

At {{.Time}} your personal usage is the following:
{{.Usage}}

Kind regards,
{{.Signature}}
`))

var voTemplate = template.Must(template.New("vo").Parse(`Dear {{.Name}}


We have noticed that the VO {{.VO}} you moderate has exceeded its quota on
the storage ${{.Storage}}.

This may have a significant impact on the jobs the VO members can run on
the clusters. Please clean up any files that are no longer required.

Should you need more storage, you can reply to this mail and ask for the
quota to be increased. Please motivate your request adequately.

At {{.Time}} the VO usage is the following:
{{.Usage}}

Kind regards,
{{.Signature}}
`))

type userMessage struct {
	Name      string
	Storages  string
	Time      string
	Usage     string
	Signature string
}

type voMessage struct {
	Name      string
	VO        string
	Storage   string
	Time      string
	Usage     string
	Signature string
}

func render(t *template.Template, data interface{}) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// FormatUsage renders the records of an entity, one fileset per line.
// Capacity figures are KiB as reported by GPFS.
func FormatUsage(e *models.QuotaEntity) string {
	var b strings.Builder
	for _, fs := range e.Filesets() {
		r := e.Records[fs]
		name := fs
		if name == "" {
			name = "(default)"
		}
		fmt.Fprintf(&b, "  %s: used %s (soft %s, hard %s, grace %s), files %s (soft %s, hard %s, grace %s)\n",
			name,
			humanize.IBytes(kib(r.Used)), humanize.IBytes(kib(r.Soft)), humanize.IBytes(kib(r.Hard)), graceText(r.Expired),
			humanize.Comma(r.FilesUsed), humanize.Comma(r.FilesSoft), humanize.Comma(r.FilesHard), graceText(r.FilesExpired))
	}
	return strings.TrimRight(b.String(), "\n")
}

func kib(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v) * 1024
}

func graceText(g models.GraceState) string {
	if !g.Expired {
		return "none"
	}
	if g.Remaining == 0 {
		return "expired"
	}
	return fmt.Sprintf("%s left", g)
}
