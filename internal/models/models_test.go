package models

import "testing"

func TestViewForHidesCodeFromDriver(t *testing.T) {
	r := Ride{ID: "r1", Code: "1234", Status: StatusAccepted, Requester: Contact{Name: "Asha", Phone: "555"}}
	drv := &DriverSummary{ID: "d1", Name: "Ravi"}

	rv := r.ViewFor(RoleRequester, drv)
	if rv.Code != "1234" || rv.Driver == nil || rv.Customer != nil {
		t.Fatalf("unexpected requester view %+v", rv)
	}
	dv := r.ViewFor(RoleDriver, drv)
	if dv.Code != "" || dv.Driver != nil || dv.Customer == nil || dv.Customer.Name != "Asha" {
		t.Fatalf("unexpected driver view %+v", dv)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range ActiveStatuses {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Fatal("completed and cancelled are terminal")
	}
	if Status("matched").Valid() {
		t.Fatal("unknown status must be invalid")
	}
}
