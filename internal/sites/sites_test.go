package sites

import (
	"context"
	"testing"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/models"
	"kioskadmin/internal/testutil"
)

func TestSiteLifecycle(t *testing.T) {
	t.Parallel()
	d := testutil.NewDB(t)
	first := testutil.Site(t, d, "Hovedbiblioteket")
	svc := NewService(d)
	ctx := context.Background()

	admin := auth.Context{UserID: 2, Memberships: map[uint]auth.MembershipType{first.ID: auth.SiteAdmin}}
	user := auth.Context{UserID: 3, Memberships: map[uint]auth.MembershipType{first.ID: auth.SiteUser}}

	if _, err := svc.Create(ctx, admin, CreateInput{Name: "Filial", CustomerID: first.CustomerID}); apperr.KindOf(err) != apperr.KindPermissionDenied {
		t.Fatalf("non-superuser create: %v", err)
	}
	if _, err := svc.Create(ctx, auth.System, CreateInput{Name: "Filial", CustomerID: 999}); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("unknown customer: %v", err)
	}
	second, err := svc.Create(ctx, auth.System, CreateInput{Name: "Filial", CustomerID: first.CustomerID})
	if err != nil || second.UID == "" {
		t.Fatalf("Create = %+v, %v", second, err)
	}
	if _, err := svc.Create(ctx, auth.System, CreateInput{Name: "Kopi", UID: second.UID, CustomerID: first.CustomerID}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("duplicate uid: %v", err)
	}

	got, err := svc.List(ctx, user)
	if err != nil || len(got) != 1 || got[0].ID != first.ID {
		t.Fatalf("List(user) = %+v, %v", got, err)
	}
	if all, _ := svc.List(ctx, auth.System); len(all) != 2 {
		t.Fatalf("List(superuser) = %d sites", len(all))
	}
	if _, err := svc.Get(ctx, user, second.ID); apperr.KindOf(err) != apperr.KindPermissionDenied {
		t.Fatalf("foreign site: %v", err)
	}

	on := true
	if _, err := svc.Update(ctx, user, first.ID, UpdateInput{RerunPolicyScripts: &on}); apperr.KindOf(err) != apperr.KindPermissionDenied {
		t.Fatalf("user update: %v", err)
	}
	updated, err := svc.Update(ctx, admin, first.ID, UpdateInput{RerunPolicyScripts: &on})
	if err != nil || !updated.RerunPolicyScripts {
		t.Fatalf("admin update = %+v, %v", updated, err)
	}

	if id, err := Resolve(d, second.UID); err != nil || id != second.ID {
		t.Fatalf("Resolve(uid) = %d, %v", id, err)
	}
	if err := svc.Delete(ctx, auth.System, second.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(d, second.UID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("Resolve after delete: %v", err)
	}
	var n int64
	d.Model(&models.Site{}).Count(&n)
	if n != 1 {
		t.Fatalf("sites left = %d", n)
	}
}
