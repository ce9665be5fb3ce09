package gpfs

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotawatch/quotawatch/internal/errors"
)

const repquotaHeader = "mmrepquota::HEADER:version:reserved:reserved:filesystemName:quotaType:id:name:blockUsage:blockQuota:blockLimit:blockInDoubt:blockGrace:filesUsage:filesQuota:filesLimit:filesInDoubt:filesGrace:remarks:quota:defQuota:fid:filesetname:"

func repquotaLine(fs, typ, id, name string, usage int64, grace, fid string) string {
	return fmt.Sprintf("mmrepquota::0:1:::%s:%s:%s:%s:%d:100:200:0:%s:5:10:20:0:none:i:on:off:%s:fs%s:", fs, typ, id, name, usage, grace, fid, fid)
}

func TestParseY(t *testing.T) {
	out := strings.Join([]string{
		"mmlsfileset::HEADER:version:reserved:reserved:filesystemName:filesetName:id:rootInode:status:path:",
		"mmlsfileset::0:1:::kyukondata:gvo00002:2:3:Linked:%2Fkyukon%2Fdata%2Fgent%2Fgvo000%2Fgvo00002:",
		"",
	}, "\n")

	records, err := ParseY([]byte(out))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "kyukondata", records[0]["filesystemName"])
	assert.Equal(t, "/kyukon/data/gent/gvo000/gvo00002", records[0]["path"])
	assert.Equal(t, "2", records[0]["id"])
}

func TestParseY_DataBeforeHeader(t *testing.T) {
	_, err := ParseY([]byte("mmrepquota::0:1:::kyukondata:USR:"))
	assert.Error(t, err)
}

func TestParseQuota(t *testing.T) {
	out := strings.Join([]string{
		repquotaHeader,
		repquotaLine("kyukondata", QuotaUser, "2540075", "vsc40075", 1001, "none", "0"),
		repquotaLine("kyukondata", QuotaUser, "2540075", "vsc40075", 50, "2 days", "2"),
		repquotaLine("kyukondata", QuotaFileset, "2", "gvo00002", 7, "expired", ""),
		repquotaLine("kyukonscratch", QuotaGroup, "1", "grp", 1, "none", ""),
	}, "\n")

	got, err := ParseQuota([]byte(out))
	require.NoError(t, err)
	require.Contains(t, got, "kyukondata")
	require.Contains(t, got, "kyukonscratch")

	data := got["kyukondata"]
	require.Len(t, data.Users["2540075"], 2)
	assert.Equal(t, int64(1001), data.Users["2540075"][0].BlockUsage)
	assert.Equal(t, "2 days", data.Users["2540075"][1].BlockGrace)
	assert.Equal(t, "2", data.Users["2540075"][1].FilesetID)
	assert.Equal(t, int64(5), data.Users["2540075"][0].FilesUsage)
	require.Len(t, data.Filesets["2"], 1)
	assert.Empty(t, data.Filesets["2"][0].FilesetID)
	assert.Len(t, got["kyukonscratch"].Groups["1"], 1)
}

func TestParseQuota_BadNumber(t *testing.T) {
	out := repquotaHeader + "\n" +
		"mmrepquota::0:1:::kyukondata:USR:1:u:lots:100:200:0:none:5:10:20:0:none:i:on:off:0:fs:"

	_, err := ParseQuota([]byte(out))
	var rawErr *errors.ErrRawQuota
	require.True(t, stderrors.As(err, &rawErr))
	assert.Equal(t, "blockUsage", rawErr.Field)
}

func TestFilesetIndex_Lookup(t *testing.T) {
	ix := make(FilesetIndex)
	ix.Add(FilesetInfo{Filesystem: "kyukondata", ID: "2", Name: "gvo00002"})

	info, err := ix.Lookup("kyukondata", "2")
	require.NoError(t, err)
	assert.Equal(t, "gvo00002", info.Name)

	_, err = ix.Lookup("kyukondata", "9")
	var lookupErr *errors.ErrFilesetLookup
	require.True(t, stderrors.As(err, &lookupErr))
	assert.Equal(t, "9", lookupErr.FilesetID)

	_, err = ix.Lookup("other", "2")
	assert.Error(t, err)
}

func TestCommandSource(t *testing.T) {
	var calls []string
	src := NewCommandSource("/usr/lpp/mmfs/bin/mmrepquota", "/usr/lpp/mmfs/bin/mmlsfileset", []string{"kyukondata"})
	src.Run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))
		if strings.HasSuffix(name, "mmrepquota") {
			return []byte(repquotaHeader + "\n" + repquotaLine("kyukondata", QuotaUser, "1", "u", 1, "none", "0")), nil
		}
		return []byte(strings.Join([]string{
			"mmlsfileset::HEADER:version:reserved:reserved:filesystemName:filesetName:id:path:maxInodes:allocInodes:",
			"mmlsfileset::0:1:::kyukondata:root:0:%2Fkyukon:0:0:",
			"mmlsfileset::0:1:::kyukondata:gvo00002:2:%2Fkyukon%2Fgvo00002:100:90:",
		}, "\n")), nil
	}

	quota, err := src.ListQuota(context.Background())
	require.NoError(t, err)
	assert.Len(t, quota["kyukondata"].Users, 1)

	ix, err := src.ListFilesets(context.Background())
	require.NoError(t, err)
	info, err := ix.Lookup("kyukondata", "2")
	require.NoError(t, err)
	assert.Equal(t, int64(100), info.MaxInodes)
	assert.Equal(t, int64(90), info.AllocInodes)

	assert.Equal(t, []string{
		"/usr/lpp/mmfs/bin/mmrepquota -n -Y -a",
		"/usr/lpp/mmfs/bin/mmlsfileset kyukondata -Y",
	}, calls)
}

func TestCommandSource_RunError(t *testing.T) {
	src := NewCommandSource("mmrepquota", "mmlsfileset", nil)
	src.Run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, stderrors.New("exit status 1")
	}
	_, err := src.ListQuota(context.Background())
	assert.Error(t, err)
}
