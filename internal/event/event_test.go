package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minioNotification = `{
  "EventName": "s3:ObjectCreated:Put",
  "Key": "uploads/input/my+photo%281%29.jpg",
  "Records": [{
    "eventVersion": "2.0",
    "eventSource": "minio:s3",
    "eventName": "s3:ObjectCreated:Put",
    "eventTime": "2024-05-01T10:00:00.000Z",
    "s3": {
      "bucket": {"name": "uploads"},
      "object": {"key": "input/my+photo%281%29.jpg", "size": 2048, "contentType": "image/jpeg"}
    }
  }]
}`

func TestDecodeRecordsMinIO(t *testing.T) {
	events, err := DecodeRecords([]byte(minioNotification))
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "uploads", e.Store)
	assert.Equal(t, "input/my photo(1).jpg", e.Key)
	assert.Equal(t, ObjectCreatedPut, e.EventName)
	assert.Equal(t, int64(2048), e.Size)
	assert.Equal(t, "image/jpeg", e.ContentType)
	assert.True(t, e.EventTime.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	assert.NotEmpty(t, e.EventID)
}

func TestDecodeRecordsAssignsFreshEventIDPerDelivery(t *testing.T) {
	first, err := DecodeRecords([]byte(minioNotification))
	require.NoError(t, err)
	second, err := DecodeRecords([]byte(minioNotification))
	require.NoError(t, err)

	assert.NotEqual(t, first[0].EventID, second[0].EventID)
	assert.Equal(t, first[0].ObjectRef(), second[0].ObjectRef())
}

func TestEncodeRecordsIsDecodable(t *testing.T) {
	in := StorageEvent{
		Store:     "assets",
		Key:       "output/a b/c.jpg",
		EventName: ObjectCreatedPut,
		Size:      10,
		EventTime: time.Now(),
	}
	data, err := EncodeRecords(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"key":"output/a+b/c.jpg"`)

	out, err := DecodeRecords(data)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, in.Store, out[0].Store)
	assert.Equal(t, in.Key, out[0].Key)
}

func TestDecodeRecordsRejectsGarbage(t *testing.T) {
	_, err := DecodeRecords([]byte("not json"))
	assert.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	f := Filter{Store: "uploads", Prefix: "input/", EventNames: []string{ObjectCreatedPut}}

	cases := []struct {
		name string
		e    StorageEvent
		want bool
	}{
		{"match", StorageEvent{Store: "uploads", Key: "input/x.jpg", EventName: ObjectCreatedPut}, true},
		{"other store", StorageEvent{Store: "assets", Key: "input/x.jpg", EventName: ObjectCreatedPut}, false},
		{"other prefix", StorageEvent{Store: "uploads", Key: "output/x.jpg", EventName: ObjectCreatedPut}, false},
		{"copy filtered", StorageEvent{Store: "uploads", Key: "input/x.jpg", EventName: ObjectCreatedCopy}, false},
		{"replay accepted", StorageEvent{Store: "uploads", Key: "input/x.jpg", EventName: ObjectCreatedReplay}, true},
		{"unnamed accepted", StorageEvent{Store: "uploads", Key: "input/x.jpg"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, _ := f.Match(tc.e)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestNotificationFrom(t *testing.T) {
	msg := NotificationFrom(StorageEvent{Store: "assets", Key: "output/photo1.jpg", EventID: "e1", Size: 5})
	assert.Equal(t, NotificationMessage{Store: "assets", Key: "output/photo1.jpg", EventID: "e1"}, msg)
}
