package partition

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/warehouse"
	"github.com/mattjoyce/bitool/internal/warehouse/mocks"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		listing  string
		partType string
		want     Latest
	}{
		{
			name:     "latest day",
			listing:  "day=20230101\nday=20230115\nday=20221231\n",
			partType: "day",
			want:     Latest{Count: 3, Value: "20230115", Found: true},
		},
		{
			name:     "distinct count",
			listing:  "day=20230101/hour=00\nday=20230101/hour=01\nday=20230102/hour=00\n",
			partType: "day",
			want:     Latest{Count: 2, Value: "20230102", Found: true},
		},
		{
			name:     "hour key on composite partitions",
			listing:  "day=20230101/hour=07\nday=20230101/hour=23\nday=20230102/hour=02\n",
			partType: "hour",
			want:     Latest{Count: 3, Value: "23", Found: true},
		},
		{
			name:     "no match",
			listing:  "month=202301\nmonth=202302\n",
			partType: "day",
			want:     Latest{},
		},
		{
			name:     "empty listing",
			listing:  "",
			partType: "day",
			want:     Latest{},
		},
		{
			name:     "blank lines and noise are skipped",
			listing:  "\n   \nOK\nday=20230101\n\nTime taken: 0.1 seconds\n  day=20230103  \n",
			partType: "day",
			want:     Latest{Count: 2, Value: "20230103", Found: true},
		},
		{
			name:     "default part type",
			listing:  "day=20230101\n",
			partType: "",
			want:     Latest{Count: 1, Value: "20230101", Found: true},
		},
		{
			name:     "last occurrence on a line wins",
			listing:  "day=20230101/copy_day=20230105\n",
			partType: "day",
			want:     Latest{Count: 1, Value: "20230105", Found: true},
		},
		{
			name:     "mixed widths are flagged, not reordered",
			listing:  "hour=9\nhour=10\n",
			partType: "hour",
			want:     Latest{Count: 2, Value: "9", Found: true, MixedWidth: true},
		},
		{
			name:     "key is matched literally",
			listing:  "d.y=1\ndxy=2\n",
			partType: "d.y",
			want:     Latest{Count: 1, Value: "1", Found: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.listing, tt.partType))
		})
	}
}

func TestResolverLatestPartition(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)

	client.EXPECT().ShowPartitions(gomock.Any(), "bitool.events").
		Return("day=20230101\nday=20230115\nday=20221231\n", nil)

	got, err := NewResolver(client).LatestPartition(context.Background(), "bitool.events", "day")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Count)
	assert.Equal(t, "20230115", got.Value)
	assert.True(t, got.Found)
}

func TestResolverNoPartitionsIsNotAnError(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)

	client.EXPECT().ShowPartitions(gomock.Any(), "events").Return("", nil)

	got, err := NewResolver(client).LatestPartition(context.Background(), "events", "day")
	require.NoError(t, err)
	assert.Equal(t, Latest{}, got)
}

func TestResolverPropagatesUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)

	client.EXPECT().ShowPartitions(gomock.Any(), "events").
		Return("", &warehouse.UnavailableError{Query: "SHOW PARTITIONS events;", ExitCode: 1})

	_, err := NewResolver(client).LatestPartition(context.Background(), "events", "day")
	require.Error(t, err)
	assert.True(t, errors.Is(err, warehouse.ErrUnavailable))
}
