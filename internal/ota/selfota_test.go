package ota

import "testing"

const testRunningVersion = "1.0.0"
const testCandidateVersion = "2.0.0"

func TestSelfUpdater_FullFlowSeals(t *testing.T) {
	excl := NewExclusivity()
	var partition *MockPartition
	factory := func() (FlashPartition, error) {
		partition = NewMockPartition(1024)
		return partition, nil
	}
	updater := NewSelfUpdater(factory, excl, testRunningVersion)

	image := append([]byte{imageMagic}, make([]byte, 99)...)
	if err := updater.Begin(int64(len(image)), testCandidateVersion); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := updater.Write(image); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := updater.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if !partition.Sealed {
		t.Error("expected partition to be sealed")
	}
	if updater.Active() {
		t.Error("updater should not be active after End")
	}
	if excl.Active(KindSelfOTA) {
		t.Error("self-OTA exclusivity should be released after End")
	}
}

func TestSelfUpdater_RejectsOversizedImage(t *testing.T) {
	excl := NewExclusivity()
	factory := func() (FlashPartition, error) { return NewMockPartition(10), nil }
	updater := NewSelfUpdater(factory, excl, testRunningVersion)

	if err := updater.Begin(100, testCandidateVersion); err == nil {
		t.Fatal("expected Begin to reject an image larger than the partition")
	}
	if excl.Active(KindSelfOTA) {
		t.Error("exclusivity must be released when Begin fails")
	}
}

func TestSelfUpdater_RejectsVersionNotNewerThanRunning(t *testing.T) {
	excl := NewExclusivity()
	factory := func() (FlashPartition, error) { return NewMockPartition(1024), nil }
	updater := NewSelfUpdater(factory, excl, testRunningVersion)

	if err := updater.Begin(10, testRunningVersion); err == nil {
		t.Fatal("expected Begin to reject a candidate equal to the running version")
	}
	if err := updater.Begin(10, "0.9.0"); err == nil {
		t.Fatal("expected Begin to reject a candidate older than the running version")
	}
	if excl.Active(KindSelfOTA) {
		t.Error("exclusivity must not be held after a version-rejected Begin")
	}
	if updater.Active() {
		t.Error("updater should not be active after a version-rejected Begin")
	}
}

func TestSelfUpdater_AbortsOnBadMagic(t *testing.T) {
	excl := NewExclusivity()
	var partition *MockPartition
	factory := func() (FlashPartition, error) {
		partition = NewMockPartition(1024)
		return partition, nil
	}
	updater := NewSelfUpdater(factory, excl, testRunningVersion)

	if err := updater.Begin(10, testCandidateVersion); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := updater.Write([]byte{0x00, 0x01}); err == nil {
		t.Fatal("expected Write to reject bad image magic")
	}
	if !partition.Aborted {
		t.Error("expected partition to be aborted after bad magic")
	}
	if updater.Active() {
		t.Error("updater should not be active after abort")
	}
}

func TestSelfUpdater_SecondBeginRejectedWhileActive(t *testing.T) {
	excl := NewExclusivity()
	factory := func() (FlashPartition, error) { return NewMockPartition(1024), nil }
	updater := NewSelfUpdater(factory, excl, testRunningVersion)

	if err := updater.Begin(10, testCandidateVersion); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if err := updater.Begin(10, testCandidateVersion); err == nil {
		t.Fatal("expected second Begin to fail while active")
	}
}

func TestSelfUpdater_AbortIsIdempotent(t *testing.T) {
	excl := NewExclusivity()
	factory := func() (FlashPartition, error) { return NewMockPartition(1024), nil }
	updater := NewSelfUpdater(factory, excl, testRunningVersion)

	if err := updater.Abort(); err != nil {
		t.Fatalf("Abort on never-begun updater: %v", err)
	}

	if err := updater.Begin(10, testCandidateVersion); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := updater.Abort(); err != nil {
		t.Fatalf("first Abort: %v", err)
	}
	if err := updater.Abort(); err != nil {
		t.Fatalf("second Abort: %v", err)
	}
	if excl.Active(KindSelfOTA) {
		t.Error("exclusivity should be released after abort")
	}
}

func TestSelfUpdater_EndRejectsSizeMismatch(t *testing.T) {
	excl := NewExclusivity()
	factory := func() (FlashPartition, error) { return NewMockPartition(1024), nil }
	updater := NewSelfUpdater(factory, excl, testRunningVersion)

	if err := updater.Begin(100, testCandidateVersion); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := updater.Write(append([]byte{imageMagic}, make([]byte, 9)...)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := updater.End(); err == nil {
		t.Fatal("expected End to reject a short write")
	}
	if updater.Active() {
		t.Error("updater should not remain active after a failed End")
	}
}

func TestCompareVersion(t *testing.T) {
	newer, err := CompareVersion("1.2.0", "1.3.0")
	if err != nil {
		t.Fatalf("CompareVersion: %v", err)
	}
	if !newer {
		t.Error("expected 1.3.0 to be newer than 1.2.0")
	}

	newer, err = CompareVersion("1.3.0", "1.2.0")
	if err != nil {
		t.Fatalf("CompareVersion: %v", err)
	}
	if newer {
		t.Error("expected 1.2.0 to not be newer than 1.3.0")
	}
}
