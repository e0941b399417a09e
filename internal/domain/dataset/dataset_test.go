package dataset_test

import (
	"math/rand"
	"testing"

	"github.com/okian/fedlab/internal/domain/dataset"
	. "github.com/smartystreets/goconvey/convey"
)

func split(n int) dataset.Split {
	s := dataset.Split{Classes: []string{"a", "b"}, Shape: [3]int{1, 1, 2}}
	for i := 0; i < n; i++ {
		s.Samples = append(s.Samples, dataset.Sample{Pixels: []float32{float32(i), float32(i)}, Label: i % 2})
	}
	return s
}

func TestBatches(t *testing.T) {
	Convey("Given a split of 5 samples", t, func() {
		s := split(5)
		So(s.Validate(), ShouldBeNil)

		Convey("When batched by 2 without shuffling", func() {
			bs := s.Batches(2, nil)

			Convey("Then the last batch is short and order is kept", func() {
				So(len(bs), ShouldEqual, 3)
				So(bs[0].Len(), ShouldEqual, 2)
				So(bs[2].Len(), ShouldEqual, 1)
				So(bs[0].X, ShouldResemble, []float32{0, 0, 1, 1})
				So(bs[2].Labels, ShouldResemble, []int{0})
			})
		})

		Convey("When shuffled", func() {
			bs := s.Batches(5, rand.New(rand.NewSource(7)))

			Convey("Then every sample appears exactly once", func() {
				So(len(bs), ShouldEqual, 1)
				seen := map[float32]bool{}
				for i := 0; i < bs[0].Len(); i++ {
					seen[bs[0].X[2*i]] = true
				}
				So(len(seen), ShouldEqual, 5)
			})
		})

		Convey("When the batch size is not positive", func() {
			So(len(s.Batches(0, nil)), ShouldEqual, 1)
		})
	})

	Convey("Given an empty split", t, func() {
		So(dataset.Split{}.Batches(4, nil), ShouldBeNil)
	})

	Convey("Given a malformed sample", t, func() {
		s := split(2)
		s.Samples[1].Pixels = []float32{1}
		So(s.Validate(), ShouldNotBeNil)

		s = split(2)
		s.Samples[0].Label = 5
		So(s.Validate(), ShouldNotBeNil)
	})
}

func TestIsImageFile(t *testing.T) {
	Convey("Given candidate file names", t, func() {
		So(dataset.IsImageFile("a/b/cat.JPG"), ShouldBeTrue)
		So(dataset.IsImageFile("dog.webp"), ShouldBeTrue)
		So(dataset.IsImageFile("notes.txt"), ShouldBeFalse)
		So(dataset.IsImageFile("class/.DS_Store"), ShouldBeFalse)
		So(dataset.IsImageFile("class/._cat.jpg"), ShouldBeFalse)
		So(dataset.IsImageFile("class\\win.png"), ShouldBeTrue)
	})
}
