package bufmgr_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/drmbuf/bufmgr"
	"github.com/vkngwrapper/drmbuf/fence"
	"github.com/vkngwrapper/drmbuf/memutils/rangealloc"
)

func TestParseOptions(t *testing.T) {
	options, err := bufmgr.ParseOptions([]byte(`
memoryTypes:
  - type: vram
    start: 0
    size: 1048576
  - type: tt
    start: 268435456
    size: 65536
fenceClasses:
  - sequenceMask: 16777215
  - {}
strategy: best-fit
nodeLimit: 128
validateListTarget: 8
externallySynchronized: true
`))
	require.NoError(t, err)

	expected := bufmgr.Options{
		MemoryTypes: []bufmgr.MemoryTypeOptions{
			{Type: bufmgr.MemTypeVRAM, Start: 0, Size: 1 << 20},
			{Type: bufmgr.MemTypeTT, Start: 1 << 28, Size: 1 << 16},
		},
		FenceClasses: []fence.ClassOptions{
			{SequenceMask: 0x00FFFFFF},
			{},
		},
		Strategy:               "best-fit",
		NodeLimit:              128,
		ValidateListTarget:     8,
		ExternallySynchronized: true,
	}
	if diff := cmp.Diff(expected, options); diff != "" {
		t.Errorf("unexpected options (-want +got):\n%s", diff)
	}

	strategy, err := options.AllocationStrategy()
	require.NoError(t, err)
	require.Equal(t, rangealloc.StrategyBestFit, strategy)
	require.Len(t, options.TrackerOptions().Classes, 2)
}

func TestParseOptionsJSON(t *testing.T) {
	options, err := bufmgr.ParseOptions([]byte(`{"memoryTypes": [{"type": 0, "start": 4096, "size": 4096}]}`))
	require.NoError(t, err)
	require.Equal(t, []bufmgr.MemoryTypeOptions{{Type: bufmgr.MemTypeLocal, Start: 4096, Size: 4096}}, options.MemoryTypes)

	tracker := options.TrackerOptions()
	require.Equal(t, []fence.ClassOptions{{}}, tracker.Classes)
}

func TestParseOptionsRejects(t *testing.T) {
	testCases := map[string]string{
		"UnknownField":     "memoryTypes: []\nnodeLimitt: 4\n",
		"UnknownMemType":   "memoryTypes:\n  - type: gart\n    size: 10\n",
		"DuplicateMemType": "memoryTypes:\n  - type: tt\n    size: 10\n  - type: 1\n    size: 10\n",
		"EmptyMemType":     "memoryTypes:\n  - type: tt\n",
		"UnknownStrategy":  "strategy: worst-fit\n",
		"NegativeTarget":   "validateListTarget: -1\n",
		"NegativeLimit":    "nodeLimit: -1\n",
	}

	for name, document := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := bufmgr.ParseOptions([]byte(document))
			require.Error(t, err)
		})
	}
}
